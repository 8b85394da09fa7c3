// Package intercept is the reference interception surface for the flowgate
// host binary: a Linux TPROXY listener that recovers each redirected TCP
// connection's original destination and hands it to the dispatcher as a flow.
//
// On non-Linux platforms the listener is stubbed out. Application ownership
// is supplied by the host via AppResolver; this package makes no attempt to
// discover it.
package intercept
