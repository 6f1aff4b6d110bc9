package models

// All lists every persisted model in migration order.
func All() []any {
	return []any{
		&EgressIdentity{},
		&PlatformAccount{},
		&OAuthState{},
		&Thread{},
		&Message{},
		&WebhookEvent{},
	}
}
