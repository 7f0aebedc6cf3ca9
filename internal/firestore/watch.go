package firestore

import (
	"context"

	cloudfs "cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"TicketMail/internal/errs"
	"TicketMail/internal/models"
)

// Watch listens to pending queue documents across all associations and
// forwards every added document until ctx is done. The first snapshot
// reports all currently pending jobs as added.
func (s *Store) Watch(ctx context.Context, out chan<- models.JobSignal) error {
	it := s.queue().
		Where("status", "==", string(models.StatusPending)).
		Snapshots(ctx)
	defer it.Stop()

	s.log.Info("listening for new email jobs", zap.String("collection_group", models.QueueCollection))

	for {
		snap, err := it.Next()
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			return errs.Wrap(err, "email queue snapshot")
		}

		for _, ch := range snap.Changes {
			if ch.Kind != cloudfs.DocumentAdded {
				continue
			}
			ref := refFromDoc(ch.Doc.Ref)
			select {
			case out <- models.JobSignal{Ref: ref, Hint: ref.AssociationID}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
