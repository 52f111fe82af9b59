// Package health coordinates component health checks.
//
// Components register named check functions with the Checker. Each
// check runs under its own timeout, results are cached for a short
// TTL so probe storms do not hammer the backends, and CheckAll runs
// every registered check concurrently. The aggregate status is
// healthy when every component is healthy, unhealthy when any
// component is, and degraded in between.
//
// PingCheck adapts a connectivity probe (MongoDB, Redis) and
// DepthCheck reports a backlog as degraded past a threshold. The
// HTTP handlers serve liveness, readiness, and a detailed component
// breakdown; readiness and the detailed view answer 503 when the
// aggregate is unhealthy so orchestrators stop routing to the
// instance.
package health
