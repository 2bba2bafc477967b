package consumer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lei/ci-relay/internal/models"
	"github.com/lei/ci-relay/pkg/logger"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
		check   func(t *testing.T, msg models.ActionMessage)
	}{
		{
			name: "full message",
			payload: `{
				"context": {"runId": "r-1", "by": {"email": "dev@acme.io"}},
				"action": {"identifier": "deploy-service"},
				"properties": {"service": "api", "version": "1.2.3"}
			}`,
			check: func(t *testing.T, msg models.ActionMessage) {
				if msg.Context.RunID != "r-1" {
					t.Errorf("RunID = %q", msg.Context.RunID)
				}
				if msg.Action.Identifier != "deploy-service" {
					t.Errorf("Identifier = %q", msg.Action.Identifier)
				}
				if msg.Properties["service"] != "api" {
					t.Errorf("properties = %v", msg.Properties)
				}
			},
		},
		{
			name:    "unknown fields tolerated",
			payload: `{"context": {"runId": "r-2"}, "action": {"identifier": "a"}, "trigger": {"origin": "ui"}, "payload": {}}`,
			check: func(t *testing.T, msg models.ActionMessage) {
				if msg.Context.RunID != "r-2" {
					t.Errorf("RunID = %q", msg.Context.RunID)
				}
			},
		},
		{
			name:    "missing properties becomes empty map",
			payload: `{"context": {"runId": "r-3"}, "action": {"identifier": "a"}}`,
			check: func(t *testing.T, msg models.ActionMessage) {
				if msg.Properties == nil {
					t.Error("Properties = nil, want empty map")
				}
			},
		},
		{
			name:    "missing runId",
			payload: `{"context": {}, "action": {"identifier": "a"}}`,
			wantErr: "missing runId",
		},
		{
			name:    "malformed json",
			payload: `{"context": `,
			wantErr: "decode action message",
		},
		{
			name:    "wrong top-level type",
			payload: `[1, 2, 3]`,
			wantErr: "decode action message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.payload))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Decode() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			tt.check(t, msg)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	handler := func(ctx context.Context, msg models.ActionMessage) error { return nil }

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Brokers: []string{"localhost:9092"}, Topic: "runs"}, false},
		{"no brokers", Config{Topic: "runs"}, true},
		{"no topic", Config{Brokers: []string{"localhost:9092"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, handler, logger.Nop())
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDispatch_InFlightRunsSurviveShutdown(t *testing.T) {
	handlerCtxErr := make(chan error, 1)
	handler := func(ctx context.Context, msg models.ActionMessage) error {
		handlerCtxErr <- ctx.Err()
		return nil
	}

	c, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "runs"}, handler, logger.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// The poll loop's context is already canceled, as it is during shutdown
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.dispatch(ctx, &kgo.Record{
		Value: []byte(`{"context": {"runId": "r-1"}, "action": {"identifier": "deploy"}}`),
	})
	c.wg.Wait()

	select {
	case err := <-handlerCtxErr:
		if err != nil {
			t.Errorf("handler context error = %v, want live context after poll cancel", err)
		}
	default:
		t.Fatal("handler never ran")
	}
}

func TestNew_Defaults(t *testing.T) {
	handler := func(ctx context.Context, msg models.ActionMessage) error { return nil }

	c, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "runs"}, handler, logger.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.cfg.MaxConnectAttempts != 5 {
		t.Errorf("MaxConnectAttempts = %d, want 5", c.cfg.MaxConnectAttempts)
	}
	if c.cfg.ReconnectBaseDelay != 2*time.Second {
		t.Errorf("ReconnectBaseDelay = %v, want 2s", c.cfg.ReconnectBaseDelay)
	}
}
