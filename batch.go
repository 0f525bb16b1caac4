package wayback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// BatchTarget names one capture to fetch.
type BatchTarget struct {
	URL       string
	Timestamp time.Time
}

// BatchResult pairs a target with its fetched memento or the error that
// prevented fetching it. The memento's body is fully read and released.
type BatchResult struct {
	Target  BatchTarget
	Memento *Memento
	Err     error
}

// BatchConfig tunes FetchAll.
type BatchConfig struct {
	// Workers is the number of concurrent fetchers, each owning its own
	// session (a single session serves one caller at a time). Default 3.
	Workers int
	// Session configures each worker's session.
	Session *Options
	// Memento configures each fetch.
	Memento *MementoOptions
	// Progress, when non-nil, advances one step per completed target.
	Progress *Progress
}

// FetchAll fetches the mementos for all targets concurrently and returns
// one result per target, in input order. Individual failures are captured
// per target; they do not stop the rest of the batch.
func FetchAll(ctx context.Context, cfg BatchConfig, targets []BatchTarget) ([]BatchResult, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 3
	}
	if len(targets) > 0 && workers > len(targets) {
		workers = len(targets)
	}
	results := make([]BatchResult, len(targets))
	if len(targets) == 0 {
		return results, nil
	}

	// One client per worker, handed around through a channel so no
	// session is ever used by two goroutines at once.
	clients := make(chan *Client, workers)
	for i := 0; i < workers; i++ {
		clients <- NewClient(cfg.Session)
	}
	defer func() {
		close(clients)
		for c := range clients {
			_ = c.Close()
		}
	}()

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(workers, func(arg interface{}) {
		defer wg.Done()
		i := arg.(int)
		t := targets[i]

		c := <-clients
		defer func() { clients <- c }()

		m, err := c.GetMemento(ctx, t.URL, t.Timestamp, cfg.Memento)
		if err == nil {
			if _, readErr := m.Content(); readErr != nil {
				err = readErr
			}
			_ = m.Close()
		}
		results[i] = BatchResult{Target: t, Memento: m, Err: err}
		cfg.Progress.Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("wayback: create worker pool: %w", err)
	}
	defer pool.Release()

	for i := range targets {
		wg.Add(1)
		if err := pool.Invoke(i); err != nil {
			wg.Done()
			results[i] = BatchResult{Target: targets[i], Err: err}
		}
	}
	wg.Wait()
	cfg.Progress.Finish()
	return results, nil
}
