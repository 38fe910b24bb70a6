package scheduler

import (
	"sync"

	"github.com/pulldeck/PullDeck/internal/pkg/billing"
	"github.com/pulldeck/PullDeck/internal/pkg/database"
	"github.com/pulldeck/PullDeck/internal/pkg/mail"
)

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the process-wide retry scheduler (singleton).
func GetManager() *Manager {
	managerOnce.Do(func() {
		repo := billing.NewRepository(database.GetDB())
		svc := billing.NewService(repo)
		svc.SetAlertFunc(mail.AlertOps)
		dispatcher := billing.NewDispatcher(repo)
		dispatcher.SetLocker(billing.NewRedisEventLocker())
		globalManager = NewManager(repo, svc, dispatcher)
	})
	return globalManager
}
