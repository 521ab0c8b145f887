// Package netio owns the single non-blocking UDP socket each controller or
// client process binds for overlay traffic, framing outgoing packets and
// parsing incoming ones via internal/wire.
package netio
