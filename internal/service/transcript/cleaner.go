package transcript

import (
	"context"
	"log"
	"time"
)

const DefaultCleanupInterval = time.Hour

// StartCleaner periodically deletes conversations untouched for longer than
// retention. A zero retention disables it.
func (s *Service) StartCleaner(ctx context.Context, interval, retention time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go s.cleanupLoop(ctx, interval, retention)
}

func (s *Service) cleanupLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.CleanupBefore(ctx, time.Now().UTC().Add(-retention)); err != nil {
				log.Printf("cleanup archived conversations error: %v", err)
			} else if n > 0 {
				log.Printf("removed %d archived conversations", n)
			}
		}
	}
}

// CleanupBefore deletes conversations last updated before cutoff and returns
// how many were removed.
func (s *Service) CleanupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM conversations WHERE updated_at <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if err := s.DeleteConversation(ctx, id); err != nil {
			log.Printf("delete archived conversation %s failed: %v", id, err)
			continue
		}
		removed++
	}
	return removed, nil
}
