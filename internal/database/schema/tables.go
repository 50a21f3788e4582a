// Package schema defines the database schema for development.
//
// DEVELOPMENT USE ONLY
// This file contains the current database schema and is used for development
// and testing. Before deploying to production, these table definitions should
// be converted to proper migrations.
package schema

// TableDefinitions contains all the SQL statements to create the database
// tables. Don't put REFERENCES and don't put CHECK constraints in the CREATE
// TABLE statements.
var TableDefinitions = []string{
	// analytics_rate mirrors domain.Rate: two-decimal percentage, zero on a
	// zero denominator.
	`CREATE OR REPLACE FUNCTION analytics_rate(numerator BIGINT, denominator BIGINT) RETURNS NUMERIC AS $$
		SELECT CASE
			WHEN denominator IS NULL OR denominator = 0 THEN 0
			ELSE ROUND(COALESCE(numerator, 0)::numeric / denominator * 10000) / 100
		END
	$$ LANGUAGE SQL IMMUTABLE`,
	`CREATE TABLE IF NOT EXISTS organizations (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		plan VARCHAR(50) NOT NULL DEFAULT 'free',
		plan_limits JSONB NOT NULL DEFAULT '{}',
		provider_settings JSONB NOT NULL DEFAULT '{}',
		sent_this_month BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		org_id UUID NOT NULL,
		email VARCHAR(255) UNIQUE NOT NULL,
		name VARCHAR(255),
		password_hash VARCHAR(255) NOT NULL,
		role VARCHAR(20) NOT NULL DEFAULT 'member',
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		email_verified_at TIMESTAMP,
		password_changed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS lists (
		id UUID PRIMARY KEY,
		org_id UUID NOT NULL,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		stats JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_lists_org_name ON lists (org_id, name)`,
	`CREATE TABLE IF NOT EXISTS segments (
		id UUID PRIMARY KEY,
		org_id UUID NOT NULL,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		match VARCHAR(10) NOT NULL DEFAULT 'all',
		conditions JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_segments_org_name ON segments (org_id, name)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		id UUID PRIMARY KEY,
		org_id UUID NOT NULL,
		email VARCHAR(255) NOT NULL,
		first_name VARCHAR(255),
		last_name VARCHAR(255),
		status VARCHAR(20) NOT NULL DEFAULT 'subscribed',
		unsubscribe_reason TEXT,
		unsubscribed_via VARCHAR(64),
		attributes JSONB NOT NULL DEFAULT '{}',
		tags JSONB NOT NULL DEFAULT '[]',
		list_memberships JSONB NOT NULL DEFAULT '[]',
		engagement JSONB NOT NULL DEFAULT '{}',
		deliverability JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_org_email ON contacts (org_id, email)`,
	`CREATE INDEX IF NOT EXISTS idx_contacts_org_status ON contacts (org_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_contacts_tags ON contacts USING GIN (tags)`,
	`CREATE INDEX IF NOT EXISTS idx_contacts_memberships ON contacts USING GIN (list_memberships)`,
	`CREATE TABLE IF NOT EXISTS templates (
		id UUID PRIMARY KEY,
		org_id UUID NOT NULL,
		name VARCHAR(255) NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		html TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		variables JSONB NOT NULL DEFAULT '[]',
		versions JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_templates_org_name ON templates (org_id, name)`,
	`CREATE TABLE IF NOT EXISTS campaigns (
		id UUID PRIMARY KEY,
		org_id UUID NOT NULL,
		name VARCHAR(255) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'draft',
		schedule JSONB NOT NULL DEFAULT '{}',
		selectors JSONB NOT NULL DEFAULT '{}',
		content JSONB NOT NULL DEFAULT '{}',
		tracking JSONB NOT NULL DEFAULT '{}',
		ab_test JSONB NOT NULL DEFAULT '{}',
		progress JSONB NOT NULL DEFAULT '{}',
		analytics JSONB NOT NULL DEFAULT '{}',
		link_clicks JSONB NOT NULL DEFAULT '[]',
		errors JSONB NOT NULL DEFAULT '[]',
		total_recipients INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_campaigns_org_name ON campaigns (org_id, name)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_org_status ON campaigns (org_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_due ON campaigns (status, ((schedule->>'scheduled_at')))`,
	`CREATE TABLE IF NOT EXISTS email_logs (
		id UUID PRIMARY KEY,
		org_id UUID NOT NULL,
		tracking_id VARCHAR(64) NOT NULL,
		source VARCHAR(20) NOT NULL,
		campaign_id UUID,
		automation_id UUID,
		contact_id UUID NOT NULL,
		email VARCHAR(255) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'queued',
		message_id VARCHAR(255),
		tracked_links JSONB NOT NULL DEFAULT '[]',
		events JSONB NOT NULL DEFAULT '[]',
		error JSONB,
		attempts INTEGER NOT NULL DEFAULT 0,
		open_count INTEGER NOT NULL DEFAULT 0,
		click_count INTEGER NOT NULL DEFAULT 0,
		clicked_links JSONB NOT NULL DEFAULT '[]',
		sent_at TIMESTAMP,
		delivered_at TIMESTAMP,
		first_opened_at TIMESTAMP,
		last_opened_at TIMESTAMP,
		first_clicked_at TIMESTAMP,
		last_clicked_at TIMESTAMP,
		unsubscribed_at TIMESTAMP,
		complained_at TIMESTAMP,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_email_logs_tracking ON email_logs (tracking_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_email_logs_message ON email_logs (message_id) WHERE message_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_email_logs_campaign_contact ON email_logs (campaign_id, contact_id) WHERE campaign_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_email_logs_org_email ON email_logs (org_id, email)`,
	`CREATE INDEX IF NOT EXISTS idx_email_logs_expires ON email_logs (expires_at)`,
	`CREATE TABLE IF NOT EXISTS feedback_events (
		id UUID PRIMARY KEY,
		org_id UUID NOT NULL,
		feedback_id VARCHAR(255) NOT NULL,
		type VARCHAR(20) NOT NULL,
		email VARCHAR(255) NOT NULL,
		message_id VARCHAR(255),
		bounce_type VARCHAR(20),
		reason TEXT,
		raw_payload TEXT,
		occurred_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_feedback_events_dedup ON feedback_events (feedback_id, type)`,
	`CREATE INDEX IF NOT EXISTS idx_feedback_events_org_email ON feedback_events (org_id, email, type)`,
	`CREATE INDEX IF NOT EXISTS idx_feedback_events_expires ON feedback_events (expires_at)`,
	`CREATE TABLE IF NOT EXISTS automations (
		id UUID PRIMARY KEY,
		org_id UUID NOT NULL,
		name VARCHAR(255) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'paused',
		trigger JSONB NOT NULL DEFAULT '{}',
		steps JSONB NOT NULL DEFAULT '[]',
		settings JSONB NOT NULL DEFAULT '{}',
		stats JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS automation_enrollments (
		org_id UUID NOT NULL,
		automation_id UUID NOT NULL,
		contact_id UUID NOT NULL,
		current_step INTEGER NOT NULL DEFAULT 0,
		state VARCHAR(20) NOT NULL DEFAULT 'active',
		next_action_at TIMESTAMP,
		enrolled_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		PRIMARY KEY (automation_id, contact_id, enrolled_at)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_active ON automation_enrollments (automation_id, contact_id) WHERE state = 'active'`,
	`CREATE INDEX IF NOT EXISTS idx_enrollments_due ON automation_enrollments (automation_id, state, next_action_at)`,
}
