package service

import (
	"context"
	"fmt"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

const (
	clearDayAlertThreshold = 2
	adjustAlertThreshold   = 8
)

// DetectOperationalAnomalies scans recent activity for patterns worth
// a manager's attention: repeated day reversals and adjustment bursts
// by the same actor.
func (s *Service) DetectOperationalAnomalies(ctx context.Context) ([]domain.AnomalyAlert, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("admin role required: %w", store.ErrNotAuthorized)
	}

	logs, err := s.repo.ListActivity(ctx, 500)
	if err != nil {
		return nil, err
	}

	clearsByActor := map[string]int{}
	adjustsByActor := map[string]int{}
	for _, entry := range logs {
		switch entry.Action {
		case "clear_day":
			clearsByActor[entry.Username]++
		case "adjust_stock":
			adjustsByActor[entry.Username]++
		}
	}

	alerts := make([]domain.AnomalyAlert, 0, 8)
	for username, count := range clearsByActor {
		if count >= clearDayAlertThreshold {
			alerts = append(alerts, domain.AnomalyAlert{
				Username: username,
				Kind:     "clear_day_spike",
				Count:    count,
				Detail:   fmt.Sprintf("%s cleared a day %d times in the recent window", username, count),
			})
		}
	}
	for username, count := range adjustsByActor {
		if count >= adjustAlertThreshold {
			alerts = append(alerts, domain.AnomalyAlert{
				Username: username,
				Kind:     "adjustment_spike",
				Count:    count,
				Detail:   fmt.Sprintf("%s adjusted stock %d times in the recent window", username, count),
			})
		}
	}
	return alerts, nil
}
