// Package tunif owns the Linux TUN device a client bridges overlay traffic
// through: opening /dev/net/tun, reading and writing whole IP datagrams,
// and assigning the controller-issued virtual address.
package tunif
