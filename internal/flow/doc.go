package flow

// Package flow defines the boundary between flowgate and the platform
// interception layer: the identity of one intercepted conversation and the
// transport-independent adapter capabilities (byte stream or datagram
// sequence) the relay engine pumps against.
//
// The core never initiates flow discovery; a host process accepts flows from
// its platform surface and hands them to the dispatcher as *Flow values.
