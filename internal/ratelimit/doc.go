// Package ratelimit throttles abusive clients before their requests reach
// the upstream origin.
//
// Limits are per client IP, token-bucket shaped, and held in process memory
// with periodic eviction of idle entries. A single gateway instance enforcing
// its own budget is enough here: the point is to keep one noisy client from
// exhausting gateway connections or hammering the origin, not to survive a
// distributed flood. That job belongs to whatever sits in front of us.
package ratelimit
