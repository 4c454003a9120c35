package repository

// Migrations returns the provenance schema. Every statement is idempotent.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			formula JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS raw_materials (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			unit TEXT NOT NULL DEFAULT '',
			current_stock NUMERIC NOT NULL DEFAULT 0,
			min_threshold NUMERIC NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT raw_materials_stock_non_negative CHECK (current_stock >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS batches (
			batch_id TEXT NOT NULL,
			seq BIGSERIAL,
			product_id TEXT NOT NULL REFERENCES products(id),
			product_name TEXT NOT NULL DEFAULT '',
			product_type TEXT NOT NULL DEFAULT '',
			quantity_produced NUMERIC NOT NULL,
			manufacture_date TIMESTAMPTZ NOT NULL,
			expiry_date TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			ledger JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT batches_pkey PRIMARY KEY (batch_id),
			CONSTRAINT batches_status_valid CHECK (status IN ('in_production', 'quality_check', 'released', 'shipped')),
			CONSTRAINT batches_expiry_after_manufacture CHECK (expiry_date > manufacture_date),
			CONSTRAINT batches_ledger_not_empty CHECK (jsonb_array_length(ledger) > 0)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_product_status ON batches (product_id, status, expiry_date)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_expiry ON batches (expiry_date)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_seq ON batches (seq)`,
		// Batches are never deleted and their ledger only grows at the tail.
		`CREATE OR REPLACE FUNCTION batches_append_only()
		RETURNS TRIGGER AS $$
		BEGIN
			IF TG_OP = 'DELETE' THEN
				RAISE EXCEPTION 'batches are never deleted';
			END IF;
			IF jsonb_array_length(NEW.ledger) < jsonb_array_length(OLD.ledger) THEN
				RAISE EXCEPTION 'ledger of batch % cannot shrink', OLD.batch_id;
			END IF;
			IF EXISTS (
				SELECT 1 FROM generate_series(0, jsonb_array_length(OLD.ledger) - 1) AS i
				WHERE NEW.ledger -> i IS DISTINCT FROM OLD.ledger -> i
			) THEN
				RAISE EXCEPTION 'ledger of batch % can only be appended to', OLD.batch_id;
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS batches_append_only ON batches`,
		`CREATE TRIGGER batches_append_only
			BEFORE UPDATE OR DELETE ON batches
			FOR EACH ROW EXECUTE FUNCTION batches_append_only()`,
	}
}
