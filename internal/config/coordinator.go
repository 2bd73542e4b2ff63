package config

import "time"

// CoordinatorConfig holds the timings of the heartbeat protocol and the
// background loops.
type CoordinatorConfig struct {
	HeartbeatInterval time.Duration
	// MissedHeartbeats is how many intervals may pass before a worker is
	// marked offline.
	MissedHeartbeats  int
	DeliveryTimeout   time.Duration
	ReconcileInterval time.Duration
	SweepInterval     time.Duration
	AuditWindow       time.Duration
	SchedulingGrace   time.Duration
	TierPolicyFile    string
	IngressPortFirst  int
	IngressPortLast   int
}

func NewCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		HeartbeatInterval: getSecondsEnv("HEARTBEAT_INTERVAL_SEC", 15),
		MissedHeartbeats:  getIntEnv("LIVENESS_MISSED_HEARTBEATS", 8),
		DeliveryTimeout:   getSecondsEnv("DELIVERY_TIMEOUT_SEC", 300),
		ReconcileInterval: getSecondsEnv("RECONCILE_INTERVAL_SEC", 30),
		SweepInterval:     getSecondsEnv("SWEEP_INTERVAL_SEC", 5),
		AuditWindow:       time.Duration(getIntEnv("COMMAND_AUDIT_WINDOW_HOURS", 72)) * time.Hour,
		SchedulingGrace:   getSecondsEnv("SCHEDULING_GRACE_SEC", 60),
		TierPolicyFile:    getEnv("TIER_POLICY_FILE", ""),
		IngressPortFirst:  getIntEnv("INGRESS_PORT_FIRST", 30000),
		IngressPortLast:   getIntEnv("INGRESS_PORT_LAST", 32767),
	}
}

// LivenessTimeout is the silence after which a worker counts as offline.
func (c *CoordinatorConfig) LivenessTimeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.MissedHeartbeats)
}
