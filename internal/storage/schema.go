package storage

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	if err := s.initFleetSchema(); err != nil {
		return err
	}
	if err := s.initSpawnSchema(); err != nil {
		return err
	}
	if err := s.initWorkflowSchema(); err != nil {
		return err
	}
	return s.initTriggerSchema()
}

func (s *Store) initFleetSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		handle TEXT NOT NULL,
		team_name TEXT DEFAULT '',
		swarm_id TEXT DEFAULT '',
		depth_level INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'starting',
		health TEXT NOT NULL DEFAULT 'unknown',
		spawn_mode TEXT NOT NULL DEFAULT 'process',
		working_dir TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		current_task_id TEXT DEFAULT '',
		restart_count INTEGER NOT NULL DEFAULT 0,
		spawned_at INTEGER NOT NULL,
		dismissed_at INTEGER
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_workers_handle_active
		ON workers(handle) WHERE dismissed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_workers_swarm_id ON workers(swarm_id);
	CREATE INDEX IF NOT EXISTS idx_workers_state ON workers(state);

	CREATE TABLE IF NOT EXISTS swarms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		max_agents INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		killed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS blackboard_messages (
		id TEXT PRIMARY KEY,
		swarm_id TEXT NOT NULL,
		sender_handle TEXT NOT NULL,
		message_type TEXT NOT NULL,
		target_handle TEXT DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'normal',
		payload TEXT DEFAULT '{}',
		created_at INTEGER NOT NULL,
		archived_at INTEGER,
		FOREIGN KEY (swarm_id) REFERENCES swarms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_blackboard_swarm_created
		ON blackboard_messages(swarm_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_blackboard_archived
		ON blackboard_messages(archived_at);

	CREATE TABLE IF NOT EXISTS blackboard_reads (
		message_id TEXT NOT NULL,
		handle TEXT NOT NULL,
		read_at INTEGER NOT NULL,
		PRIMARY KEY (message_id, handle),
		FOREIGN KEY (message_id) REFERENCES blackboard_messages(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		from_handle TEXT NOT NULL,
		to_handle TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		goal TEXT NOT NULL,
		now_state TEXT NOT NULL,
		test_state TEXT DEFAULT '',
		done_this_session TEXT DEFAULT '[]',
		blockers TEXT DEFAULT '[]',
		questions TEXT DEFAULT '[]',
		next_steps TEXT DEFAULT '[]',
		files TEXT DEFAULT '[]',
		created_at INTEGER NOT NULL,
		resolved_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_to_handle ON checkpoints(to_handle, status);
	`)
	return err
}

func (s *Store) initSpawnSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS spawn_queue (
		id TEXT PRIMARY KEY,
		requester_handle TEXT NOT NULL,
		target_agent_type TEXT NOT NULL,
		depth_level INTEGER NOT NULL DEFAULT 0,
		priority TEXT NOT NULL DEFAULT 'normal',
		priority_rank INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'pending',
		task TEXT NOT NULL,
		context TEXT DEFAULT '',
		checkpoint TEXT DEFAULT '',
		blocked_by_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		processed_at INTEGER,
		spawned_worker_id TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_spawn_queue_ready
		ON spawn_queue(status, blocked_by_count, priority_rank, created_at);

	CREATE TABLE IF NOT EXISTS spawn_dependencies (
		item_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (item_id, depends_on_id),
		FOREIGN KEY (item_id) REFERENCES spawn_queue(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_spawn_deps_depends_on ON spawn_dependencies(depends_on_id);
	`)
	return err
}

func (s *Store) initWorkflowSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		definition TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_workflows_name ON workflows(name);

	CREATE TABLE IF NOT EXISTS workflow_executions (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		created_by TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		context TEXT DEFAULT '{}',
		swarm_id TEXT DEFAULT '',
		error TEXT DEFAULT '',
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		FOREIGN KEY (workflow_id) REFERENCES workflows(id)
	);

	CREATE INDEX IF NOT EXISTS idx_executions_status ON workflow_executions(status);
	CREATE INDEX IF NOT EXISTS idx_executions_workflow ON workflow_executions(workflow_id);

	CREATE TABLE IF NOT EXISTS execution_steps (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		step_key TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		blocked_by_count INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		output TEXT DEFAULT '',
		error TEXT DEFAULT '',
		started_at INTEGER,
		ended_at INTEGER,
		UNIQUE (execution_id, step_key),
		FOREIGN KEY (execution_id) REFERENCES workflow_executions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_steps_execution_status ON execution_steps(execution_id, status);

	CREATE TABLE IF NOT EXISTS step_dependencies (
		execution_id TEXT NOT NULL,
		step_key TEXT NOT NULL,
		depends_on_key TEXT NOT NULL,
		PRIMARY KEY (execution_id, step_key, depends_on_key),
		FOREIGN KEY (execution_id) REFERENCES workflow_executions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_step_deps_depends_on
		ON step_dependencies(execution_id, depends_on_key);

	CREATE TABLE IF NOT EXISTS workflow_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		step_key TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (execution_id) REFERENCES workflow_executions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_events_execution
		ON workflow_events(execution_id, id);
	`)
	return err
}

func (s *Store) initTriggerSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS triggers (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		config TEXT DEFAULT '{}',
		is_enabled INTEGER NOT NULL DEFAULT 1,
		consec_failures INTEGER NOT NULL DEFAULT 0,
		last_fired_at INTEGER,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_triggers_enabled ON triggers(is_enabled, trigger_type);

	CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		trigger_id TEXT NOT NULL,
		payload TEXT DEFAULT '{}',
		received_at INTEGER NOT NULL,
		consumed_at INTEGER,
		FOREIGN KEY (trigger_id) REFERENCES triggers(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_pending
		ON webhook_deliveries(trigger_id, consumed_at);
	`)
	return err
}
