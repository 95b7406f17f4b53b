// Package gc repairs and compacts a note store in the background.
//
// A collection run has four phases:
//   - orphaned content: content records whose file node is gone (left by a
//     crash between writes, or by imports that failed half way)
//   - orphaned SRS items: review items whose node is gone
//   - tag reference counts: recomputed from the nodes; unreferenced tags
//     without a color are pruned, protected tags are kept
//   - synced changes: change log entries that were acknowledged by the hub
//     and are older than the retention window
//
// Every phase runs in its own transactions and re-checks its candidates
// inside the transaction that deletes them, so the collector is safe to run
// next to live writers.
package gc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/pkg/store"
)

// Collector performs periodic garbage collection on a store.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	st     *store.Store
	config Config

	once   gosync.Once
	stopCh chan struct{}
	doneCh chan struct{}
}

// Config contains configuration for the garbage collector.
type Config struct {
	// Enabled controls whether the background worker runs.
	Enabled bool

	// Interval is how often to run garbage collection (default: 24h)
	Interval time.Duration

	// BatchSize is how many records are deleted per transaction (default: 1000)
	BatchSize int

	// ChangeRetention is how long synced changes are kept. Zero keeps them
	// forever. Never enable it on a hub store: devices pull from that log.
	ChangeRetention time.Duration

	// DryRun logs what would be deleted without deleting anything.
	DryRun bool

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewCollector creates a collector. Call Start to run it in the background.
func NewCollector(st *store.Store, config Config) (*Collector, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Interval == 0 {
		config.Interval = 24 * time.Hour
	}
	if config.BatchSize == 0 {
		config.BatchSize = 1000
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Collector{
		st:     st,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start begins background garbage collection.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Garbage collection disabled")
		return
	}

	logger.Info("Starting garbage collector: interval=%s batch_size=%d retention=%s dry_run=%v",
		c.config.Interval, c.config.BatchSize, c.config.ChangeRetention, c.config.DryRun)

	go c.worker()
}

// Stop stops the background worker and waits for the current run.
func (c *Collector) Stop(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	c.once.Do(func() { close(c.stopCh) })

	select {
	case <-c.doneCh:
		logger.Info("Garbage collector stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Garbage collector shutdown timeout")
		return ctx.Err()
	}
}

// RunOnce performs a single collection and blocks until it completes.
func (c *Collector) RunOnce(ctx context.Context) (*Stats, error) {
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := c.collect(ctx)
			cancel()

			if err != nil {
				logger.Error("Garbage collection failed: %v", err)
			} else {
				logger.Info("Garbage collection completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()

	if err := c.collectContent(ctx, stats); err != nil {
		return stats, fmt.Errorf("content phase: %w", err)
	}
	if err := c.collectSRS(ctx, stats); err != nil {
		return stats, fmt.Errorf("srs phase: %w", err)
	}
	if err := c.repairTags(ctx, stats); err != nil {
		return stats, fmt.Errorf("tag phase: %w", err)
	}
	if c.config.ChangeRetention > 0 {
		if err := c.pruneChanges(ctx, stats); err != nil {
			return stats, fmt.Errorf("change phase: %w", err)
		}
	}
	return stats, nil
}

// ownedBy reports whether ref is still the content of a live file node.
func ownedBy(tx *store.Tx, ref string, owners map[string]uuid.UUID) (bool, error) {
	id, ok := owners[ref]
	if !ok {
		return false, nil
	}
	n, err := tx.GetNode(id)
	if store.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n.ContentRef == ref, nil
}

func (c *Collector) collectContent(ctx context.Context, stats *Stats) error {
	var existing []string
	owners := make(map[string]uuid.UUID)
	err := c.st.View(ctx, func(tx *store.Tx) error {
		err := tx.ScanNodes(func(n *store.Node) error {
			if n.ContentRef != "" {
				owners[n.ContentRef] = n.ID
			}
			return nil
		})
		if err != nil {
			return err
		}
		existing, err = tx.ContentRefs()
		return err
	})
	if err != nil {
		return err
	}
	stats.ReferencedContent = uint64(len(owners))
	stats.ExistingContent = uint64(len(existing))

	var candidates []string
	for _, ref := range existing {
		if _, ok := owners[ref]; !ok {
			candidates = append(candidates, ref)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// A node created after the scan owns "content:<id>"; recheck by id.
	for _, ref := range candidates {
		if rest, ok := strings.CutPrefix(ref, "content:"); ok {
			if id, err := uuid.Parse(rest); err == nil {
				owners[ref] = id
			}
		}
	}

	return c.inBatches(ctx, candidates, func(tx *store.Tx, ref string) (bool, error) {
		owned, err := ownedBy(tx, ref, owners)
		if err != nil || owned {
			return false, err
		}
		stats.OrphanedContent++
		if c.config.DryRun {
			logger.Info("GC: would delete content %s", ref)
			return false, nil
		}
		return true, tx.DeleteContent(ref)
	}, &stats.DeletedContent)
}

func (c *Collector) collectSRS(ctx context.Context, stats *Stats) error {
	var orphans []*store.SRSItem
	err := c.st.View(ctx, func(tx *store.Tx) error {
		return tx.ScanSRS(func(it *store.SRSItem) error {
			_, err := tx.GetNode(it.NodeID)
			if store.IsNotFound(err) {
				orphans = append(orphans, it)
				return nil
			}
			return err
		})
	})
	if err != nil || len(orphans) == 0 {
		return err
	}

	keys := make([]string, len(orphans))
	byKey := make(map[string]*store.SRSItem, len(orphans))
	for i, it := range orphans {
		keys[i] = it.NodeID.String() + ":" + it.ClozeID
		byKey[keys[i]] = it
	}

	return c.inBatches(ctx, keys, func(tx *store.Tx, key string) (bool, error) {
		it := byKey[key]
		_, err := tx.GetNode(it.NodeID)
		if !store.IsNotFound(err) {
			return false, err
		}
		stats.OrphanedSRS++
		if c.config.DryRun {
			logger.Info("GC: would delete SRS item %s", key)
			return false, nil
		}
		return true, tx.DeleteSRS(it.NodeID, it.ClozeID)
	}, &stats.DeletedSRS)
}

// repairTags recomputes every reference count in one transaction.
func (c *Collector) repairTags(ctx context.Context, stats *Stats) error {
	write := c.st.WithTransaction
	if c.config.DryRun {
		write = c.st.View
	}

	return write(ctx, func(tx *store.Tx) error {
		counts := make(map[string]int)
		err := tx.ScanNodes(func(n *store.Node) error {
			for _, t := range n.Tags {
				counts[t]++
			}
			return nil
		})
		if err != nil {
			return err
		}

		tags, err := tx.ListTags()
		if err != nil {
			return err
		}
		now := c.config.Now()
		for _, t := range tags {
			want := counts[t.Name]
			delete(counts, t.Name)

			prune := want == 0 && !t.Protected && t.Color == ""
			switch {
			case prune:
				stats.PrunedTags++
				if !c.config.DryRun {
					if err := tx.DeleteTagRecord(t.Name); err != nil {
						return err
					}
				}
			case t.RefCount != want:
				stats.RepairedTags++
				logger.Debug("GC: tag %s ref count %d -> %d", t.Name, t.RefCount, want)
				if !c.config.DryRun {
					t.RefCount = want
					if err := tx.PutTag(t); err != nil {
						return err
					}
				}
			}
		}

		// Tags used by nodes but missing a record.
		missing := make([]string, 0, len(counts))
		for name := range counts {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		for _, name := range missing {
			stats.RepairedTags++
			if c.config.DryRun {
				continue
			}
			if _, err := tx.AdjustTagRef(name, counts[name], now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Collector) pruneChanges(ctx context.Context, stats *Stats) error {
	cutoff := c.config.Now().Add(-c.config.ChangeRetention)

	var ids []string
	err := c.st.View(ctx, func(tx *store.Tx) error {
		old, err := tx.ListChanges("", func(ch *store.Change) bool {
			return ch.Synced && ch.Timestamp.Before(cutoff)
		})
		for _, ch := range old {
			ids = append(ids, ch.ID)
		}
		return err
	})
	if err != nil || len(ids) == 0 {
		return err
	}

	return c.inBatches(ctx, ids, func(tx *store.Tx, id string) (bool, error) {
		stats.ExpiredChanges++
		if c.config.DryRun {
			return false, nil
		}
		return true, tx.DeleteChange(id)
	}, &stats.DeletedChanges)
}

// inBatches runs fn for every key, BatchSize keys per transaction. fn
// returns whether it deleted the record; deleted counts the committed ones.
// A failed batch is logged and skipped.
func (c *Collector) inBatches(ctx context.Context, keys []string, fn func(tx *store.Tx, key string) (bool, error), deleted *uint64) error {
	for i := 0; i < len(keys); i += c.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(i+c.config.BatchSize, len(keys))
		batch := keys[i:end]

		var n uint64
		err := c.st.WithTransaction(ctx, func(tx *store.Tx) error {
			n = 0
			for _, key := range batch {
				ok, err := fn(tx, key)
				if err != nil {
					return err
				}
				if ok {
					n++
				}
			}
			return nil
		})
		if err != nil {
			logger.Warn("GC: batch %d-%d failed: %v", i, end, err)
			continue
		}
		*deleted += n
	}
	return nil
}

// Stats contains statistics from a garbage collection run.
type Stats struct {
	StartTime time.Time
	EndTime   time.Time

	ReferencedContent uint64 // content refs owned by file nodes
	ExistingContent   uint64 // content records found
	OrphanedContent   uint64
	DeletedContent    uint64

	OrphanedSRS uint64
	DeletedSRS  uint64

	PrunedTags   uint64
	RepairedTags uint64

	ExpiredChanges uint64
	DeletedChanges uint64
}

// Duration returns the total collection duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the collection.
func (s *Stats) Summary() string {
	return fmt.Sprintf("content=%d/%d orphaned=%d deleted=%d srs_deleted=%d tags_pruned=%d tags_repaired=%d changes_deleted=%d duration=%s",
		s.ReferencedContent, s.ExistingContent, s.OrphanedContent, s.DeletedContent,
		s.DeletedSRS, s.PrunedTags, s.RepairedTags, s.DeletedChanges, s.Duration())
}
