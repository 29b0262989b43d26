package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/companionlabs/companiond/internal/compute"
	"github.com/companionlabs/companiond/internal/models"
)

// ReconcileUser folds provider-observed state into the ledger for all of a
// user's eligible instances. The fan-out isolates failures per instance: one
// bad describe call is logged and skipped, the siblings still reconcile.
func (o *Orchestrator) ReconcileUser(ctx context.Context, userID uint64) error {
	rows, errList := o.ledger.ReconcilableForUser(ctx, userID)
	if errList != nil {
		return errList
	}
	var wg sync.WaitGroup
	for i := range rows {
		wg.Add(1)
		go func(instance models.Instance) {
			defer wg.Done()
			if errOne := o.reconcileOne(ctx, instance); errOne != nil {
				log.WithFields(log.Fields{
					"instance_id": instance.ID,
					"compute_id":  instance.ComputeID,
				}).WithError(errOne).Warn("orchestrator: reconcile instance")
			}
		}(rows[i])
	}
	wg.Wait()
	return nil
}

// reconcileOne describes one compute resource and persists what it saw.
// Provider state running and stopped replace the ledger status; anything
// else means the boot process is still in flight and the status is left
// alone. A vanished resource is recorded as failed so the user can retry.
func (o *Orchestrator) reconcileOne(ctx context.Context, instance models.Instance) error {
	obs, errDescribe := o.compute.Describe(ctx, instance.ComputeID)
	if errors.Is(errDescribe, compute.ErrResourceNotFound) {
		_, errStatus := o.ledger.UpdateStatusIf(ctx, instance.ID, models.StatusFailed,
			models.StatusProvisioning, models.StatusRunning)
		return errStatus
	}
	if errDescribe != nil {
		return errDescribe
	}

	var status models.InstanceStatus
	switch obs.State {
	case compute.StateRunning:
		status = models.StatusRunning
	case compute.StateStopped:
		status = models.StatusStopped
	}
	return o.ledger.RecordObserved(ctx, instance.ID, obs.PublicAddress, status, o.nowFn())
}

// SweepStuckProvisioning flags rows that entered provisioning but never got
// a compute resource within the grace period. These are leftovers from a
// crash between the row insert and the launch call; marking them failed
// gives the user a retry path instead of a row stuck forever.
func (o *Orchestrator) SweepStuckProvisioning(ctx context.Context, userID uint64, grace time.Duration) (int, error) {
	cutoff := o.nowFn().Add(-grace)
	rows, errList := o.ledger.StuckProvisioning(ctx, userID, cutoff)
	if errList != nil {
		return 0, errList
	}
	swept := 0
	for _, row := range rows {
		transitioned, errStatus := o.ledger.UpdateStatusIf(ctx, row.ID,
			models.StatusFailed, models.StatusProvisioning)
		if errStatus != nil {
			log.WithField("instance_id", row.ID).WithError(errStatus).
				Error("orchestrator: sweep stuck instance")
			continue
		}
		if transitioned {
			swept++
		}
	}
	if swept > 0 {
		log.WithFields(log.Fields{"user_id": userID, "count": swept}).
			Info("orchestrator: swept stuck provisioning rows")
	}
	return swept, nil
}
