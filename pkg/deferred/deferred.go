package deferred

import (
	"context"
	"time"

	"github.com/openuds/engine/pkg/log"
	"github.com/openuds/engine/pkg/metrics"
	"github.com/openuds/engine/pkg/provider"
	"github.com/openuds/engine/pkg/storage"
	"github.com/openuds/engine/pkg/types"
)

// Queue names, in processing order.
const (
	QueueToStop   = "to_stop"
	QueueStopping = "stopping"
	QueueToDelete = "to_delete"
	QueueDeleting = "deleting"
)

var queueOrder = []string{QueueToStop, QueueStopping, QueueToDelete, QueueDeleting}

const (
	// CheckInterval is the worker tick and the base re-check delay.
	CheckInterval = 7 * time.Second

	// maxDeletionsAtOnce bounds how many entries one tick takes per queue.
	maxDeletionsAtOnce = 32

	// retriesToRetry bounces an entry back a queue after this many
	// consecutive no-progress observations, to re-issue the command.
	retriesToRetry = 32

	// maxRetryableErrorRetries is the permanent give-up budget.
	maxRetryableErrorRetries = 256

	// maxFatalErrorRetries abandons an entry after this many fatal errors.
	maxFatalErrorRetries = 16

	// fatalErrorIntervalMultiplier spaces fatal-error retries out.
	fatalErrorIntervalMultiplier = 2

	// operationDelayThreshold and maxDelayRate derive the delay rate:
	// operations slower than the threshold re-check proportionally later.
	operationDelayThreshold = 2 * time.Second
	maxDelayRate            = 4.0
)

// Entry is one machine pending deletion. Entries are keyed by vmid and
// survive restarts in the local queue bag.
type Entry struct {
	VMID             string    `json:"vmid"`
	ServiceUUID      string    `json:"service_uuid"`
	ProviderID       int64     `json:"provider_id"`
	StopBeforeDelete bool      `json:"stop_before_delete"`
	Created          time.Time `json:"created"`
	NextCheck        time.Time `json:"next_check"`
	Retries          int       `json:"retries"`
	TotalRetries     int       `json:"total_retries"`
	FatalRetries     int       `json:"fatal_retries"`
	DelayRate        float64   `json:"delay_rate"`
}

// Worker drains the four deletion queues. Each machine walks
// TO_STOP → STOPPING → TO_DELETE → DELETING, with retry budgets at
// every step; machines that never needed stopping enter at TO_DELETE.
type Worker struct {
	bag   *storage.QueueBag
	store *storage.Store

	// BuildDriver resolves the driver for an entry's provider. Tests
	// inject a fake here.
	BuildDriver func(prov *types.Provider) (provider.Driver, error)

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker creates a worker over the given queue bag.
func NewWorker(bag *storage.QueueBag, store *storage.Store) *Worker {
	return &Worker{
		bag:         bag,
		store:       store,
		BuildDriver: provider.Build,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the tick loop.
func (w *Worker) Start() {
	go w.run()
}

// Stop terminates the loop and waits for the current tick.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(time.Now())
		}
	}
}

// Add enqueues a machine for deletion. Unless executeLater is set, a
// fast path is attempted inline: stop (if required) or delete right
// away, falling back to the queues on any failure.
func (w *Worker) Add(drv provider.Driver, providerID int64, serviceUUID, vmid string, stopBeforeDelete, executeLater bool) error {
	now := time.Now()
	e := &Entry{
		VMID:             vmid,
		ServiceUUID:      serviceUUID,
		ProviderID:       providerID,
		StopBeforeDelete: stopBeforeDelete,
		Created:          now,
		NextCheck:        now,
		DelayRate:        1,
	}

	startQueue := QueueToDelete
	if stopBeforeDelete {
		startQueue = QueueToStop
	}

	if executeLater || drv == nil {
		return w.bag.Put(startQueue, vmid, e)
	}

	// fast path: try the first action inline
	ctx := context.Background()
	if stopBeforeDelete {
		running, err := drv.IsRunning(ctx, vmid)
		if types.IsNotFound(err) {
			return nil // already gone
		}
		if err == nil && running {
			if err := drv.StopMachine(ctx, vmid); err == nil {
				e.NextCheck = now.Add(CheckInterval)
				return w.bag.Put(QueueStopping, vmid, e)
			}
		}
		if err == nil && !running {
			if err := drv.DeleteMachine(ctx, vmid); err == nil {
				e.NextCheck = now.Add(CheckInterval)
				return w.bag.Put(QueueDeleting, vmid, e)
			}
		}
		return w.bag.Put(QueueToStop, vmid, e)
	}

	if err := drv.DeleteMachine(ctx, vmid); err == nil {
		e.NextCheck = now.Add(CheckInterval)
		return w.bag.Put(QueueDeleting, vmid, e)
	} else if types.IsNotFound(err) {
		return nil
	}
	return w.bag.Put(QueueToDelete, vmid, e)
}

// RunOnce processes every queue a single time. Exposed so the scheduled
// job (and tests) can drive ticks explicitly.
func (w *Worker) RunOnce(now time.Time) {
	for _, queue := range queueOrder {
		w.processQueue(queue, now)
	}
	w.reportDepths()
}

func (w *Worker) processQueue(queue string, now time.Time) {
	keys, err := w.bag.Keys(queue)
	if err != nil {
		log.WithComponent("deferred").Error().Err(err).Str("queue", queue).Msg("Failed to list queue")
		return
	}

	taken := 0
	for _, key := range keys {
		if taken >= maxDeletionsAtOnce {
			return
		}
		var e Entry
		found, err := w.bag.Get(queue, key, &e)
		if err != nil || !found {
			continue
		}
		if e.NextCheck.After(now) {
			continue
		}
		taken++

		if e.TotalRetries >= maxRetryableErrorRetries {
			w.abandon(queue, &e, "retry budget exhausted")
			continue
		}
		w.processEntry(queue, &e, now)
	}
}

func (w *Worker) processEntry(queue string, e *Entry, now time.Time) {
	drv, err := w.driverFor(e)
	if err != nil {
		w.requeueFatal(queue, e, now, err)
		return
	}

	ctx := context.Background()
	started := time.Now()
	next, done, opErr := w.step(ctx, drv, queue, e)
	e.DelayRate = delayRate(time.Since(started))

	switch {
	case done:
		w.finish(queue, e)
	case opErr == nil:
		if next == queue {
			w.observeNoProgress(queue, e, now)
			return
		}
		e.Retries = 0
		e.NextCheck = now.Add(time.Duration(float64(CheckInterval) * e.DelayRate))
		if err := w.bag.Move(queue, next, e.VMID, e); err != nil {
			log.WithComponent("deferred").Error().Err(err).Str("vmid", e.VMID).Msg("Failed to advance queue entry")
		}
	case types.IsNotFound(opErr):
		// machine already gone, mission accomplished
		w.finish(queue, e)
	case types.IsRetryable(opErr):
		e.TotalRetries++
		e.NextCheck = now.Add(time.Duration(float64(CheckInterval) * e.DelayRate))
		if err := w.bag.Put(queue, e.VMID, e); err != nil {
			log.WithComponent("deferred").Error().Err(err).Str("vmid", e.VMID).Msg("Failed to requeue entry")
		}
	default:
		w.requeueFatal(queue, e, now, opErr)
	}
}

// step performs the queue-specific action. It returns the queue the
// entry should move to, or done when the machine is fully deleted.
// Returning the same queue signals no progress (poll again later).
func (w *Worker) step(ctx context.Context, drv provider.Driver, queue string, e *Entry) (next string, done bool, err error) {
	switch queue {
	case QueueToStop:
		running, err := drv.IsRunning(ctx, e.VMID)
		if err != nil {
			return "", false, err
		}
		if !running {
			return QueueToDelete, false, nil
		}
		if err := drv.StopMachine(ctx, e.VMID); err != nil {
			return "", false, err
		}
		return QueueStopping, false, nil

	case QueueStopping:
		running, err := drv.IsRunning(ctx, e.VMID)
		if err != nil {
			return "", false, err
		}
		if running {
			return QueueStopping, false, nil // not stopped yet
		}
		return QueueToDelete, false, nil

	case QueueToDelete:
		if err := drv.DeleteMachine(ctx, e.VMID); err != nil {
			return "", false, err
		}
		return QueueDeleting, false, nil

	case QueueDeleting:
		_, err := drv.IsRunning(ctx, e.VMID)
		if types.IsNotFound(err) {
			return "", true, nil
		}
		if err != nil {
			return "", false, err
		}
		return QueueDeleting, false, nil // still visible
	}
	return "", false, types.Fatal(errUnknownQueue(queue))
}

// observeNoProgress counts a poll that saw no change; after
// retriesToRetry of them the entry bounces back to re-issue the command.
func (w *Worker) observeNoProgress(queue string, e *Entry, now time.Time) {
	e.Retries++
	if e.Retries >= retriesToRetry {
		prior := map[string]string{
			QueueStopping: QueueToStop,
			QueueDeleting: QueueToDelete,
		}[queue]
		if prior != "" {
			e.Retries = 0
			e.TotalRetries++
			e.NextCheck = now.Add(CheckInterval)
			log.WithComponent("deferred").Warn().
				Str("vmid", e.VMID).
				Str("from", queue).
				Str("to", prior).
				Msg("No progress, re-issuing command")
			if err := w.bag.Move(queue, prior, e.VMID, e); err != nil {
				log.WithComponent("deferred").Error().Err(err).Str("vmid", e.VMID).Msg("Failed to bounce entry")
			}
			return
		}
	}
	e.NextCheck = now.Add(time.Duration(float64(CheckInterval) * e.DelayRate))
	if err := w.bag.Put(queue, e.VMID, e); err != nil {
		log.WithComponent("deferred").Error().Err(err).Str("vmid", e.VMID).Msg("Failed to requeue entry")
	}
}

func (w *Worker) requeueFatal(queue string, e *Entry, now time.Time, cause error) {
	e.FatalRetries++
	if e.FatalRetries >= maxFatalErrorRetries {
		w.abandon(queue, e, cause.Error())
		return
	}
	e.NextCheck = now.Add(CheckInterval * fatalErrorIntervalMultiplier)
	log.WithComponent("deferred").Warn().
		Err(cause).
		Str("vmid", e.VMID).
		Int("fatal_retries", e.FatalRetries).
		Msg("Deletion step failed")
	if err := w.bag.Put(queue, e.VMID, e); err != nil {
		log.WithComponent("deferred").Error().Err(err).Str("vmid", e.VMID).Msg("Failed to requeue entry")
	}
}

func (w *Worker) finish(queue string, e *Entry) {
	metrics.DeletionsCompleted.Inc()
	log.WithComponent("deferred").Info().
		Str("vmid", e.VMID).
		Str("service", e.ServiceUUID).
		Msg("Machine deleted")
	if err := w.bag.Delete(queue, e.VMID); err != nil {
		log.WithComponent("deferred").Error().Err(err).Str("vmid", e.VMID).Msg("Failed to drop finished entry")
	}
}

func (w *Worker) abandon(queue string, e *Entry, reason string) {
	metrics.DeletionsAbandoned.Inc()
	log.WithComponent("deferred").Error().
		Str("vmid", e.VMID).
		Str("service", e.ServiceUUID).
		Str("reason", reason).
		Msg("Abandoning deletion")
	if err := w.bag.Delete(queue, e.VMID); err != nil {
		log.WithComponent("deferred").Error().Err(err).Str("vmid", e.VMID).Msg("Failed to drop abandoned entry")
	}
}

func (w *Worker) driverFor(e *Entry) (provider.Driver, error) {
	prov, err := w.store.GetProvider(e.ProviderID)
	if err != nil {
		return nil, err
	}
	return w.BuildDriver(prov)
}

func (w *Worker) reportDepths() {
	for _, queue := range queueOrder {
		if n, err := w.bag.Len(queue); err == nil {
			metrics.DeletionQueueDepth.WithLabelValues(queue).Set(float64(n))
		}
	}
}

func delayRate(observed time.Duration) float64 {
	rate := float64(observed) / float64(operationDelayThreshold)
	if rate < 1 {
		return 1
	}
	if rate > maxDelayRate {
		return maxDelayRate
	}
	return rate
}

type errUnknownQueue string

func (e errUnknownQueue) Error() string { return "unknown queue " + string(e) }
