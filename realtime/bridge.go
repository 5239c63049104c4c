package realtime

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultChannel is the NOTIFY channel written by the flow repository.
const DefaultChannel = "flow_state_changed"

// PGBridge listens for commit notifications from Postgres and republishes the
// committed state into the local hub, so sessions served by other processes
// converge too.
type PGBridge struct {
	pool    *pgxpool.Pool
	channel string
	hub     *Hub
	fetcher Fetcher
	retry   time.Duration
}

func NewPGBridge(pool *pgxpool.Pool, channel string, hub *Hub, fetcher Fetcher) *PGBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PGBridge{pool: pool, channel: channel, hub: hub, fetcher: fetcher, retry: 2 * time.Second}
}

// Run listens until ctx ends, reconnecting after connection loss.
func (b *PGBridge) Run(ctx context.Context) error {
	for {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("realtime bridge: %v; reconnecting in %s", err, b.retry)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.retry):
		}
	}
}

func (b *PGBridge) listen(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", b.channel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		agreementID, version, err := ParseNotification(n.Payload)
		if err != nil {
			log.Printf("realtime bridge: %v", err)
			continue
		}
		if b.hub.Subscribers(agreementID) == 0 {
			continue
		}
		state, err := b.fetcher.GetFlow(ctx, agreementID)
		if err != nil {
			log.Printf("realtime bridge: load %s@%d: %v", agreementID, version, err)
			continue
		}
		b.hub.Publish(state)
	}
}

// FormatNotification builds the NOTIFY payload for a committed version.
func FormatNotification(agreementID string, version int64) string {
	return agreementID + ":" + strconv.FormatInt(version, 10)
}

// ParseNotification reverses FormatNotification.
func ParseNotification(payload string) (string, int64, error) {
	i := strings.LastIndexByte(payload, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("realtime: malformed notification %q", payload)
	}
	version, err := strconv.ParseInt(payload[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("realtime: malformed notification version %q: %w", payload, err)
	}
	return payload[:i], version, nil
}
