package db

const jobColumns = `id, idempotency_key, machine_id, printer_name, ticket_id, status, payload_json, copies, error_message, created_at, updated_at`

const (
	InsertJob = `
		INSERT INTO print_jobs (idempotency_key, machine_id, printer_name, ticket_id, status, payload_json, copies, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`

	GetJobByKey = `SELECT ` + jobColumns + ` FROM print_jobs WHERE idempotency_key = ?`

	ListJobsBase = `SELECT ` + jobColumns + ` FROM print_jobs`
)

const (
	GetPrintedJob = `SELECT printed_at FROM printed_jobs WHERE id = ?`

	UpsertPrintedJob = `
		INSERT INTO printed_jobs (id, printed_at) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET printed_at = excluded.printed_at
	`

	DeletePrintedBefore = `DELETE FROM printed_jobs WHERE printed_at < ?`

	ListPrintedSince = `SELECT id, printed_at FROM printed_jobs WHERE printed_at >= ?`
)
