package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/TheLab-ms/orgbilling/internal/conf"
)

const migration = `
CREATE TABLE IF NOT EXISTS orgbilling_events (
	id serial primary key,
	time timestamp not null,
	org_id text not null,
	reason text not null,
	message text not null
);

CREATE INDEX IF NOT EXISTS idx_orgbilling_events_time ON orgbilling_events (time);
`

// Sink buffers and periodically flushes meaningful billing actions to postgres.
// A nil or disabled sink drops events.
type Sink struct {
	db     *pgxpool.Pool
	buffer chan *event
}

func NewSink(ctx context.Context, env *conf.Env) (*Sink, error) {
	s := &Sink{}
	if env.EventPsqlAddr == "" {
		return s, nil
	}

	db, err := pgxpool.Connect(ctx, fmt.Sprintf("user=%s password=%s host=%s port=5432 dbname=postgres", env.EventPsqlUsername, env.EventPsqlPassword, env.EventPsqlAddr))
	if err != nil {
		return nil, fmt.Errorf("constructing db client: %w", err)
	}
	s.db = db

	_, err = db.Exec(ctx, migration)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("db migration: %w", err)
	}

	s.buffer = make(chan *event, env.EventBufferLength)
	go s.flush()
	return s, nil
}

func (s *Sink) flush() {
	defer s.db.Close()
	for event := range s.buffer {
		_, err := s.db.Exec(context.Background(), "INSERT INTO orgbilling_events (time, org_id, reason, message) VALUES ($1, $2, $3, $4)", event.Timestamp, event.OrgID, event.Reason, event.Message)
		if err != nil {
			log.Error().Err(err).Str("reason", event.Reason).Msg("error while flushing event to postgres")
		}

		// batching would be nice, this is easier to implement
		time.Sleep(time.Second)
	}
}

// Publish queues an event. It drops the event rather than block when the buffer is full.
func (s *Sink) Publish(orgID, reason, templ string, args ...any) {
	if !s.Enabled() {
		return
	}
	e := &event{
		Timestamp: time.Now(),
		OrgID:     orgID,
		Reason:    reason,
		Message:   fmt.Sprintf(templ, args...),
	}
	select {
	case s.buffer <- e:
	default:
		log.Warn().Str("org_id", orgID).Str("reason", reason).Msg("reporting buffer is full - dropping event")
	}
}

func (s *Sink) Enabled() bool { return s != nil && s.buffer != nil }

type event struct {
	Timestamp time.Time
	OrgID     string
	Reason    string
	Message   string
}
