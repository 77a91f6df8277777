package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"feed-media/internal/domain"
)

// DefaultSubject carries one message per completed upload.
const DefaultSubject = "uploads.completed"

type Config struct {
	URL     string
	Subject string
	Name    string
}

// conn is the part of *nats.Conn the publisher needs.
type conn interface {
	Publish(subj string, data []byte) error
	Close()
}

// Publisher announces completed uploads so the record-creation side can
// attach them to posts.
type Publisher struct {
	conn    conn
	subject string
	logger  *logrus.Logger
}

// UploadCompleted is the message body published on the completion subject.
type UploadCompleted struct {
	TaskID      string              `json:"taskId"`
	BatchID     string              `json:"batchId"`
	UserID      string              `json:"userId"`
	ParentID    string              `json:"parentId,omitempty"`
	FileName    string              `json:"fileName"`
	MIMEType    string              `json:"mimeType"`
	Size        int64               `json:"size"`
	FileID      string              `json:"fileId"`
	URL         string              `json:"url"`
	Source      domain.ResultSource `json:"source"`
	Degraded    bool                `json:"degraded,omitempty"`
	CompletedAt time.Time           `json:"completedAt"`
}

func NewPublisher(cfg Config, logger *logrus.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	name := cfg.Name
	if name == "" {
		name = "feed-media"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newPublisher(nc, cfg.Subject, logger), nil
}

func newPublisher(c conn, subject string, logger *logrus.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: c, subject: subject, logger: logger}
}

func (p *Publisher) UploadCompleted(ctx context.Context, task domain.UploadTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if task.Result == nil {
		return fmt.Errorf("task %s has no result", task.ID)
	}
	msg := UploadCompleted{
		TaskID:      task.ID,
		BatchID:     task.BatchID,
		UserID:      task.UserID,
		ParentID:    task.ParentID,
		FileName:    task.File.Name,
		MIMEType:    task.File.MIMEType,
		Size:        task.File.Size,
		FileID:      task.Result.FileID,
		URL:         task.Result.URL,
		Source:      task.Result.Source,
		Degraded:    task.Result.Degraded,
		CompletedAt: task.UpdatedAt,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	p.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"subject": p.subject,
	}).Debug("Published upload completion")
	return nil
}

func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
