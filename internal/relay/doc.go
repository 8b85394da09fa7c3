package relay

// Package relay implements the steady-state data path: the TCP relay's pair
// of independent directional pumps and the UDP association's envelope
// translation loops.
//
// A relay instance exclusively owns its control connection (and, for UDP, its
// data socket); nothing here is shared across flows. There is no inactivity
// timeout on the data path; idle long-lived connections are expected.
