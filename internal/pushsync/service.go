package pushsync

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pixmint/credits-backend/internal/devices"
	"github.com/pixmint/credits-backend/pkg/enums"
	"github.com/pixmint/credits-backend/pkg/fcm"
	"github.com/pixmint/credits-backend/pkg/logger"
	"github.com/pixmint/credits-backend/pkg/metrics"
)

const (
	maxConcurrentSends = 8
	sendTimeout        = 15 * time.Second
)

type sender interface {
	Send(ctx context.Context, deviceToken string, data map[string]string) error
}

// ServiceParams groups dependencies for the balance sync fan-out.
type ServiceParams struct {
	Logger  *logger.Logger
	Devices devices.Repository
	Sender  sender
	Metrics *metrics.PushMetrics
}

// Service pushes silent balance-sync messages to every active device of a
// user. Delivery is best effort; a failed push never fails the ledger write
// that triggered it.
type Service struct {
	logg    *logger.Logger
	devices devices.Repository
	sender  sender
	metrics *metrics.PushMetrics
}

// NewService builds the push fan-out service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Devices == nil {
		return nil, errors.New("devices repo is required")
	}
	if params.Sender == nil {
		return nil, errors.New("push sender is required")
	}
	return &Service{
		logg:    params.Logger,
		devices: params.Devices,
		sender:  params.Sender,
		metrics: params.Metrics,
	}, nil
}

// BalanceChange describes one balance mutation to fan out. ExcludeToken names
// the device that triggered the change; it already knows the new balance and
// is skipped.
type BalanceChange struct {
	UID          string
	Event        enums.PushEvent
	Delta        int64
	Balance      int64
	ExcludeToken string
}

// BalanceChanged fans the new balance out to the user's active devices.
// Tokens the gateway reports as gone are deactivated in place.
func (s *Service) BalanceChanged(ctx context.Context, change BalanceChange) {
	registrations, err := s.devices.ListActiveByUID(ctx, change.UID)
	if err != nil {
		s.logg.Error(ctx, "list devices for balance sync", err)
		return
	}
	if len(registrations) == 0 {
		return
	}

	data := map[string]string{
		"type":    string(change.Event),
		"delta":   strconv.FormatInt(change.Delta, 10),
		"balance": strconv.FormatInt(change.Balance, 10),
		"sync_id": uuid.NewString(),
		"sent_at": time.Now().UTC().Format(time.RFC3339),
	}

	sem := make(chan struct{}, maxConcurrentSends)
	var wg sync.WaitGroup
	for _, registration := range registrations {
		if change.ExcludeToken != "" && registration.DeviceToken == change.ExcludeToken {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(token string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.sendOne(ctx, token, change.Event, data)
		}(registration.DeviceToken)
	}
	wg.Wait()
}

func (s *Service) sendOne(ctx context.Context, token string, event enums.PushEvent, data map[string]string) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	err := s.sender.Send(sendCtx, token, data)
	if err == nil {
		s.metrics.IncSent(string(event))
		return
	}

	if errors.Is(err, fcm.ErrUnregistered) {
		if deactivateErr := s.devices.Deactivate(ctx, token); deactivateErr != nil {
			s.logg.Error(ctx, "deactivate stale device token", deactivateErr)
		}
		s.metrics.IncDeactivated()
		return
	}

	s.metrics.IncFailed(string(event))
	s.logg.Error(ctx, "balance sync push failed", err)
}
