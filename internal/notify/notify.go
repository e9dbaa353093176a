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

// Package notify sends failure reports to the configured operator channels.
// Delivery problems are logged, never propagated: a broken mail relay must
// not fail an otherwise healthy batch.
package notify

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"k8s.io/klog/v2"

	"github.com/SBNSoftware/run-record-archiver/internal/config"
	"github.com/SBNSoftware/run-record-archiver/internal/runset"
)

const smtpTimeout = 10 * time.Second

// Reporter fans failure reports out to email and Slack.
type Reporter struct {
	cfg config.Reporting
}

// New returns a Reporter for the given configuration.
func New(cfg config.Reporting) *Reporter {
	return &Reporter{cfg: cfg}
}

// SendFailureReport notifies all enabled channels about the failed runs of
// a stage. A nil or empty failure set sends nothing.
func (r *Reporter) SendFailureReport(stageName string, failed []int) {
	if r == nil || len(failed) == 0 {
		return
	}
	runs := append([]int(nil), failed...)
	sort.Ints(runs)
	r.sendSlack(stageName, runs)
	r.sendEmail(stageName, runs)
}

func (r *Reporter) sendEmail(stageName string, failed []int) {
	e := r.cfg.Email
	if !e.Enabled {
		return
	}
	hostname, _ := os.Hostname()
	subject := fmt.Sprintf("Run Record Archiver %s Errors on %s at %s",
		stageName, hostname, time.Now().Format("2006-01-02 15:04:05"))
	var body strings.Builder
	fmt.Fprintf(&body, "The following runs failed during the %s stage:\n\n", stageName)
	for _, run := range failed {
		fmt.Fprintf(&body, "%d\n", run)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		e.SenderEmail, e.RecipientEmail, subject, body.String())

	addr := fmt.Sprintf("%s:%d", e.SMTPHost, e.SMTPPort)
	if err := r.deliverSMTP(addr, e, msg); err != nil {
		klog.Errorf("Failed to send failure report email: %v", err)
		return
	}
	klog.Infof("Failure report email sent to %s", e.RecipientEmail)
}

func (r *Reporter) deliverSMTP(addr string, e config.Email, msg string) error {
	conn, err := net.DialTimeout("tcp", addr, smtpTimeout)
	if err != nil {
		return fmt.Errorf("connect to SMTP server %s: %v", addr, err)
	}
	c, err := smtp.NewClient(conn, e.SMTPHost)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("SMTP handshake with %s: %v", addr, err)
	}
	defer func() {
		_ = c.Close()
	}()
	if e.SMTPUseTLS {
		if err := c.StartTLS(&tls.Config{ServerName: e.SMTPHost}); err != nil {
			return fmt.Errorf("STARTTLS: %v", err)
		}
	}
	if e.SMTPUser != "" && e.SMTPPassword != "" {
		auth := smtp.PlainAuth("", e.SMTPUser, e.SMTPPassword, e.SMTPHost)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth: %v", err)
		}
	}
	if err := c.Mail(e.SenderEmail); err != nil {
		return err
	}
	if err := c.Rcpt(e.RecipientEmail); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (r *Reporter) sendSlack(stageName string, failed []int) {
	s := r.cfg.Slack
	if !s.Enabled {
		return
	}
	hostname, _ := os.Hostname()
	runList := runset.FormatRuns(failed, 10)
	var mentions string
	if s.MentionUsers != "" {
		var tags []string
		for _, uid := range strings.Split(s.MentionUsers, ",") {
			if uid = strings.TrimSpace(uid); uid != "" {
				tags = append(tags, "<@"+uid+">")
			}
		}
		mentions = " " + strings.Join(tags, " ")
	}
	api := slack.New(s.BotToken)
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType,
		fmt.Sprintf("Run Record Archiver %s Failures", stageName), false, false))
	fields := slack.NewSectionBlock(nil, []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Host:*\n"+hostname, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Time:*\n"+time.Now().Format("2006-01-02 15:04:05"), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Stage:*\n"+stageName, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Failed Runs:*\n%d", len(failed)), false, false),
	}, nil)
	body := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType,
		"*Run Numbers:*\n"+runList, false, false), nil, nil)
	fallback := fmt.Sprintf("Run Record Archiver %s Failures: %d runs failed on %s%s",
		stageName, len(failed), hostname, mentions)
	_, _, err := api.PostMessage(s.Channel,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(header, fields, body))
	if err != nil {
		klog.Errorf("Failed to send Slack notification: %v", err)
		return
	}
	klog.Infof("Slack notification sent to channel %s", s.Channel)
}
