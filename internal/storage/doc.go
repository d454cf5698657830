// Package storage persists the two things callbell must remember:
//
//   - The user directory (who to remind, phone + calendar credential)
//   - The call log: an append-only record of reminder attempts, the
//     durable idempotence guard across restarts
package storage
