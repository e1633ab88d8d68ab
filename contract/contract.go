//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"
	"server-hub/domain"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself, the supervisor restarts it on panic.
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker,
// used for logging during supervision.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Pusher is the per-connection transport handle.
// Push must return once ctx is done.
type Pusher interface {
	Push(ctx context.Context, record domain.NotificationRecord) error
}

// RecordSink observes every appended record (search index, audit...).
// Sinks are side effects; their errors never fail the producer.
type RecordSink interface {
	Consume(ctx context.Context, record domain.NotificationRecord) error
}

// IdentityResolver is the authentication collaborator.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token string) (domain.Identity, error)
}
