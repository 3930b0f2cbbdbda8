package messaging

// Topic constants for the proxy event stream
const (
	// TopicShares carries every share submission outcome, accepted or rejected.
	TopicShares = "proxy.shares"

	// TopicJobs carries job broadcasts as seen from the upstream session.
	TopicJobs = "proxy.jobs"

	// TopicUpstream carries upstream connection state transitions.
	TopicUpstream = "proxy.upstream"
)
