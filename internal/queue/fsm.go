package queue

import "roomsync/internal/models"

var transitions = map[models.IntentStatus][]models.IntentStatus{
	models.IntentPending: {models.IntentSyncing},
	models.IntentSyncing: {models.IntentSynced, models.IntentError},
	models.IntentError:   {models.IntentSyncing},
}

// CanTransition reports whether an intent may move from one status to another.
func CanTransition(from, to models.IntentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
