package dispatch

// Package dispatch decides what happens to each intercepted flow: relay it
// through the upstream SOCKS5 proxy, hand it back for native delivery, or
// reject it outright, based on the owning application's policy sets.
//
// The only cross-flow shared state is the active-flow table, held under a
// mutex that protects creation and removal racing across concurrently
// arriving flows. The table holds identity keys only, never payload data.
