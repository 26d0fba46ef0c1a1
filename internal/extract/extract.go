// Package extract turns a fetched page into a structured object with an
// extraction model: fetch, reduce to markdown, then ask the model for
// JSON conforming to the caller's prompt or schema.
package extract

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/engine"
	"github.com/crawlrs/crawlrs/internal/task"
)

// Fetcher is the page-fetch surface; satisfied by engine.Router.
type Fetcher interface {
	Fetch(ctx context.Context, req *engine.Request) (*engine.Result, error)
}

// Converter reduces HTML to the markdown handed to the model.
type Converter interface {
	Convert(html string) (string, error)
}

// Request is one extraction call against the model backend.
type Request struct {
	Document string
	Prompt   string
	Schema   json.RawMessage
}

// Client is the model backend. Extract returns the structured object as
// raw JSON.
type Client interface {
	Extract(ctx context.Context, req Request) (json.RawMessage, error)
	// Model names the backing model for result attribution.
	Model() string
}

// Service executes extract tasks end to end.
type Service struct {
	fetcher   Fetcher
	converter Converter
	client    Client
	logger    *zap.Logger
	now       func() time.Time
}

// NewService wires an extraction pipeline. A nil client means extraction
// is not configured; tasks then fail without retry.
func NewService(fetcher Fetcher, converter Converter, client Client, logger *zap.Logger) *Service {
	return &Service{
		fetcher:   fetcher,
		converter: converter,
		client:    client,
		logger:    logger.Named("extract"),
		now:       time.Now,
	}
}

// Extract fetches the payload's URL and runs the model over it.
func (s *Service) Extract(ctx context.Context, p task.ExtractPayload) (json.RawMessage, error) {
	if s.client == nil {
		return nil, task.E(task.KindInvalidInput, "no extraction model configured")
	}
	if p.Prompt == "" && len(p.Schema) == 0 {
		return nil, task.E(task.KindInvalidInput, "extract needs a prompt or a schema")
	}

	started := s.now()
	res, err := s.fetcher.Fetch(ctx, &engine.Request{URL: p.URL})
	if err != nil {
		return nil, err
	}
	doc := string(res.Body)
	if md, cerr := s.converter.Convert(doc); cerr == nil {
		doc = md
	} else {
		s.logger.Warn("markdown reduction failed, sending raw html", zap.Error(cerr))
	}

	data, err := s.client.Extract(ctx, Request{
		Document: doc,
		Prompt:   p.Prompt,
		Schema:   p.Schema,
	})
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(task.ExtractResult{
		URL:        res.URL,
		Data:       data,
		Model:      s.client.Model(),
		DurationMs: s.now().Sub(started).Milliseconds(),
	})
	if err != nil {
		return nil, task.Wrap(task.KindInternal, "marshal extract result", err)
	}
	return body, nil
}
