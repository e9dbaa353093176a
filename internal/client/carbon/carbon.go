// Copyright 2025 The SBN Software authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package carbon posts metrics to a Carbon (Graphite) sink using the
// plaintext protocol. Delivery is best-effort: failures are logged and
// swallowed so metrics can never take the pipeline down.
package carbon

import (
	"fmt"
	"net"
	"time"

	"k8s.io/klog/v2"
)

const dialTimeout = 2 * time.Second

// Client posts metrics over TCP. The zero value is a disabled client.
type Client struct {
	host    string
	port    int
	prefix  string
	enabled bool
	// now is stubbed in tests.
	now func() time.Time
}

// New returns a Carbon client. If enabled but misconfigured, the client is
// created disabled with a warning.
func New(host string, port int, metricPrefix string, enabled bool) *Client {
	if enabled && (host == "" || port == 0 || metricPrefix == "") {
		klog.Warningf("Carbon client enabled but missing required configuration")
		enabled = false
	}
	return &Client{host: host, port: port, prefix: metricPrefix, enabled: enabled, now: time.Now}
}

// Enabled reports whether metrics will actually be sent.
func (c *Client) Enabled() bool {
	return c != nil && c.enabled
}

// PostMetric sends one metric sample with the current timestamp.
func (c *Client) PostMetric(path string, value float64) {
	if !c.Enabled() {
		return
	}
	full := c.prefix + "." + path
	msg := fmt.Sprintf("%s %v %d\n", full, value, c.now().Unix())
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", c.host, c.port), dialTimeout)
	if err != nil {
		klog.Warningf("Could not post metric %q to Carbon at %s:%d: %v", full, c.host, c.port, err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()
	_ = conn.SetWriteDeadline(c.now().Add(dialTimeout))
	if _, err := conn.Write([]byte(msg)); err != nil {
		klog.Warningf("Could not post metric %q to Carbon at %s:%d: %v", full, c.host, c.port, err)
		return
	}
	klog.V(1).Infof("Posted metric to Carbon: %s", msg[:len(msg)-1])
}
