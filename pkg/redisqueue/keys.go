package redisqueue

// Key layout. Jobs live in one hash per job; per-queue sorted sets index
// pending jobs by eligible-at time and processing jobs by lock expiry, so
// both claiming and lock recovery are range scans.
const keyPrefix = "queuekit"

func jobHashKey(id string) string        { return keyPrefix + ":job:" + id }
func pendingKey(queue string) string     { return keyPrefix + ":pending:" + queue }
func processingKey(queue string) string  { return keyPrefix + ":processing:" + queue }
func idempotencyKey(q, key string) string {
	return keyPrefix + ":key:" + q + ":" + key
}

func queuesSetKey() string { return keyPrefix + ":queues" }

func statCompletedKey(queue string) string { return keyPrefix + ":stats:" + queue + ":completed" }
func statFailedKey(queue string) string    { return keyPrefix + ":stats:" + queue + ":failed" }

// wakeChannel carries pub/sub enqueue signals; the payload is the queue name.
const wakeChannel = keyPrefix + ":wake"
