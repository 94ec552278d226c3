package main

// Notifier receives the outcome of a sync run. Implementations decide
// what is worth reporting; the engine calls it once per run.
type Notifier interface {
	NotifySyncResults(AppConfig, *SyncResult) error
}
