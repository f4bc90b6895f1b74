// ABOUTME: Package doc for device health monitoring.
// ABOUTME: Ping and SSH service checks run on a fixed polling interval.

// Package devices polls configured hosts for reachability and systemd
// service health over SSH.
package devices
