//go:build unix && !linux

package platform

const mapNoReserve = 0
