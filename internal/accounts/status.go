package accounts

import "github.com/pysugar/marketrelay/internal/db/models"

// manualTransitions lists the status changes an operator may request directly.
// expired returns to active only through a new authorization.
var manualTransitions = map[models.AccountStatus][]models.AccountStatus{
	models.StatusPending: {models.StatusActive, models.StatusSuspended},
	models.StatusActive:  {models.StatusPaused, models.StatusSuspended},
	models.StatusPaused:  {models.StatusActive, models.StatusSuspended},
	models.StatusExpired: {models.StatusSuspended},
}

// CanTransition reports whether an operator may move an account from one status to another.
func CanTransition(from, to models.AccountStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range manualTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
