package models

import "time"

// EnvironmentState is the lifecycle state of an execution environment.
type EnvironmentState string

const (
	EnvStopped  EnvironmentState = "STOPPED"
	EnvStarting EnvironmentState = "STARTING"
	EnvRunning  EnvironmentState = "RUNNING"
)

// EnvironmentHandle identifies a started environment. It is owned by the
// environment manager; the coordinator only holds copies.
type EnvironmentHandle struct {
	ID        string           `json:"id"`
	State     EnvironmentState `json:"state"`
	StartedAt time.Time        `json:"started_at"`
}
