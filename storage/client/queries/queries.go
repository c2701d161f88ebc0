// Package queries holds the SQL statements of the keyguard storage client.
package queries

import "fmt"

const (
	// Columns of keyguard.validator_keys, in scan order.
	keyColumns = `
		k.id, k.chain_id, k.operator_registry, k.operator_id, k.key_index, k.public_key,
		k.remove_keys_transaction_id, k.added_tx_hash, k.added_block_number, k.added_log_index, k.verified_at`

	// Columns of keyguard.remove_keys_transactions, in scan order.
	removalColumns = `
		r.id, r.chain_id, r.operator_registry, r.operator_id, r.from_index, r.validator_count,
		r.status::text, r.transaction_hash, r.reason, r.created_at`
)

// TakeXactLock takes a transaction-scoped advisory lock on a string key.
const TakeXactLock = `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`

// Task states.
const (
	TaskState = `
		SELECT status::text, last_block_number, updated_at
			FROM keyguard.daemon_task_states
			WHERE chain_id = $1 AND operator_registry = $2 AND task = $3`

	// The no-op update makes RETURNING yield the existing row on conflict.
	EnsureTaskRunning = `
		INSERT INTO keyguard.daemon_task_states (chain_id, operator_registry, task, status, last_block_number)
			VALUES ($1, $2, $3, 'running', 0)
		ON CONFLICT (chain_id, operator_registry, task) DO UPDATE
			SET chain_id = EXCLUDED.chain_id
		RETURNING status::text, last_block_number`

	SetTaskStatus = `
		INSERT INTO keyguard.daemon_task_states (chain_id, operator_registry, task, status, last_block_number)
			VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (chain_id, operator_registry, task) DO UPDATE
			SET status = EXCLUDED.status, updated_at = now()`

	AdvanceTaskCheckpoint = `
		UPDATE keyguard.daemon_task_states
			SET last_block_number = GREATEST(last_block_number, $4), updated_at = now()
			WHERE chain_id = $1 AND operator_registry = $2 AND task = $3`

	ListTaskStates = `
		SELECT chain_id, operator_registry, task::text, status::text, last_block_number, updated_at
			FROM keyguard.daemon_task_states
		ORDER BY chain_id, operator_registry, task`
)

// Validator keys.
var (
	InsertValidatorKey = `
		INSERT INTO keyguard.validator_keys
			(chain_id, operator_registry, operator_id, key_index, public_key, added_tx_hash, added_block_number, added_log_index)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (chain_id, public_key) DO NOTHING`

	UnverifiedKeys = fmt.Sprintf(`
		SELECT %s
			FROM keyguard.validator_keys k
			WHERE k.chain_id = $1 AND k.operator_registry = $2 AND
				k.verified_at IS NULL AND k.remove_keys_transaction_id IS NULL
		ORDER BY k.id
		LIMIT $3`, keyColumns)

	MarkKeysVerified = `
		UPDATE keyguard.validator_keys
			SET verified_at = $2
			WHERE id = ANY($1)`

	LinkKeys = `
		UPDATE keyguard.validator_keys
			SET remove_keys_transaction_id = $1
			WHERE id = ANY($2) AND remove_keys_transaction_id IS NULL`

	LinkedKeys = fmt.Sprintf(`
		SELECT %s
			FROM keyguard.validator_keys k
			WHERE k.remove_keys_transaction_id = $1
		ORDER BY k.key_index`, keyColumns)

	OperatorKeys = fmt.Sprintf(`
		SELECT %s
			FROM keyguard.validator_keys k
			WHERE k.chain_id = $1 AND k.operator_registry = $2 AND k.operator_id = $3
		ORDER BY k.key_index, k.id`, keyColumns)

	OperatorKeyBounds = `
		SELECT count(*), COALESCE(max(key_index) + 1, 0)
			FROM keyguard.validator_keys
			WHERE chain_id = $1 AND operator_registry = $2 AND operator_id = $3`

	// Keys added before the event at ($4, $5).
	KeyBoundsBefore = `
		SELECT count(*), COALESCE(max(key_index) + 1, 0)
			FROM keyguard.validator_keys
			WHERE chain_id = $1 AND operator_registry = $2 AND operator_id = $3 AND
				(added_block_number, added_log_index) < ($4, $5)`

	DeleteKeyRangeBefore = `
		DELETE FROM keyguard.validator_keys
			WHERE chain_id = $1 AND operator_registry = $2 AND operator_id = $3 AND
				(added_block_number, added_log_index) < ($4, $5) AND
				key_index >= $6 AND key_index < $7`

	MoveKeyBefore = `
		UPDATE keyguard.validator_keys
			SET key_index = $7
			WHERE chain_id = $1 AND operator_registry = $2 AND operator_id = $3 AND
				(added_block_number, added_log_index) < ($4, $5) AND key_index = $6`
)

// Removal transactions.
var (
	InsertRemoval = `
		INSERT INTO keyguard.remove_keys_transactions
			(chain_id, operator_registry, operator_id, from_index, validator_count, status, transaction_hash, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	RemovalForUpdate = fmt.Sprintf(`
		SELECT %s
			FROM keyguard.remove_keys_transactions r
			WHERE r.id = $1
		FOR UPDATE`, removalColumns)

	PendingRemoval = fmt.Sprintf(`
		SELECT %s
			FROM keyguard.remove_keys_transactions r
			WHERE r.chain_id = $1 AND r.operator_registry = $2 AND r.status = 'pending'
		ORDER BY r.id
		LIMIT 1`, removalColumns)

	// Ranges higher in the operator's key array go first so that settling
	// them never moves keys of ranges still waiting in the queue.
	NextQueuedRemoval = fmt.Sprintf(`
		SELECT %s
			FROM keyguard.remove_keys_transactions r
			LEFT JOIN LATERAL (
				SELECT max(key_index) AS top
					FROM keyguard.validator_keys
					WHERE remove_keys_transaction_id = r.id
			) linked ON true
			WHERE r.chain_id = $1 AND r.operator_registry = $2 AND r.status = 'queued'
		ORDER BY COALESCE(linked.top, r.from_index + r.validator_count - 1) DESC, r.id
		LIMIT 1`, removalColumns)

	RemovalByHash = fmt.Sprintf(`
		SELECT %s
			FROM keyguard.remove_keys_transactions r
			WHERE r.chain_id = $1 AND r.transaction_hash = $2`, removalColumns)

	ListRemovals = fmt.Sprintf(`
		SELECT %s
			FROM keyguard.remove_keys_transactions r
			WHERE r.chain_id = $1 AND r.operator_registry = $2
		ORDER BY r.id DESC
		LIMIT $3`, removalColumns)

	RemovalRegistry = `
		SELECT chain_id, operator_registry
			FROM keyguard.remove_keys_transactions
			WHERE id = $1`

	PendingRemovalID = `
		SELECT id
			FROM keyguard.remove_keys_transactions
			WHERE chain_id = $1 AND operator_registry = $2 AND status = 'pending'
		LIMIT 1`

	RemovalIDByHash = `
		SELECT id
			FROM keyguard.remove_keys_transactions
			WHERE chain_id = $1 AND transaction_hash = $2`

	MarkRemovalPending = `
		UPDATE keyguard.remove_keys_transactions
			SET status = 'pending', from_index = $2, validator_count = $3, transaction_hash = $4, updated_at = now()
			WHERE id = $1`

	SetRemovalStatus = `
		UPDATE keyguard.remove_keys_transactions
			SET status = $2, updated_at = now()
			WHERE id = $1 AND status = $3`
)
