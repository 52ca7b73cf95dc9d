// Package redis implements the worker wire protocol on top of a Redis
// server: durable dispatch lists, publish channels, control lists and
// single-read response slots.
package redis
