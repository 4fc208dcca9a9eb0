// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package postgres

const (
	// SQL table names:
	workerTable  = "worker"
	planetTable  = "planet"
	attemptTable = "attempt"

	// SQL column names, table-qualified for use in multi-table
	// conditions. worker_id/planet_id are the business keys and also
	// the primary keys -- there is no separate surrogate id for
	// either.
	workerID             = workerTable + ".worker_id"
	workerAddress        = workerTable + ".address"
	workerState          = workerTable + ".state"
	workerLastHeartbeat  = workerTable + ".last_heartbeat"
	workerIdleCPU        = workerTable + ".idle_cpu"
	workerIdleRAM        = workerTable + ".idle_ram"
	workerPeakCPU        = workerTable + ".peak_cpu"
	workerPeakRAM        = workerTable + ".peak_ram"
	workerDisk           = workerTable + ".disk"
	workerCurrentJob     = workerTable + ".current_job"
	workerAssigned       = workerTable + ".assigned"
	workerCompleted      = workerTable + ".completed"
	workerFailed         = workerTable + ".failed"
	workerConnectedAt    = workerTable + ".connected_at"
	workerDisconnectedAt = workerTable + ".disconnected_at"

	planetID               = planetTable + ".planet_id"
	planetNextRunTime      = planetTable + ".next_run_time"
	planetStatus           = planetTable + ".status"
	planetSeason           = planetTable + ".season"
	planetRound            = planetTable + ".round"
	planetRoundNumber      = planetTable + ".round_number"
	planetLastProcessed    = planetTable + ".last_processed"
	planetProcessingWorker = planetTable + ".processing_worker"
	planetRetryCount       = planetTable + ".retry_count"

	attemptIDCol       = attemptTable + ".id"
	attemptPlanetID    = attemptTable + ".planet_id"
	attemptWorkerID    = attemptTable + ".worker_id"
	attemptStartTime   = attemptTable + ".start_time"
	attemptEndTime     = attemptTable + ".end_time"
	attemptOutcome     = attemptTable + ".outcome"
	attemptErrorDetail = attemptTable + ".error_detail"
)
