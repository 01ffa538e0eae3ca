// ABOUTME: Package discovery registers this service and finds others
// ABOUTME: Directory abstraction, Nacos client, and the startup/shutdown registrar

// Package discovery is the service directory client.
//
// NacosClient implements Directory over the Nacos v1 Open API: ephemeral
// instance registration with client heartbeats, healthy-instance lookup,
// and configuration documents with long-poll change notification.
//
// Registrar drives this process's own lifecycle in the directory. Startup
// never fails because the directory is unreachable; the heartbeat loop
// keeps retrying registration in the background.
package discovery
