package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"iptv-gateway/work/catalog"
	"iptv-gateway/work/xmltv"
)

// SaveCatalog writes a refreshed catalog snapshot: channels, guide channels
// and programmes are upserted in chunks inside one transaction, then rows
// the refresh did not touch are deleted below the refresh watermark.
func (db *DB) SaveCatalog(cat *catalog.Catalog) error {
	watermark := cat.BuiltAt.UnixNano()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("error starting snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveChannels(tx, cat, watermark); err != nil {
		return err
	}
	if err := saveGuide(tx, cat.Guide, watermark); err != nil {
		return err
	}

	for _, table := range []string{"channels", "guide_channels", "programmes"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE refreshed_at < ?", watermark); err != nil {
			return fmt.Errorf("error deleting stale %s rows: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing snapshot: %w", err)
	}
	return nil
}

func saveChannels(tx *sql.Tx, cat *catalog.Catalog, watermark int64) error {
	stmt, err := tx.Prepare(`
		INSERT INTO channels (reference, name, logo, logo_origin, epg_id, catchup_days, groups, url, provider, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(reference) DO UPDATE SET
			name = excluded.name,
			logo = excluded.logo,
			logo_origin = excluded.logo_origin,
			epg_id = excluded.epg_id,
			catchup_days = excluded.catchup_days,
			groups = excluded.groups,
			url = excluded.url,
			provider = excluded.provider,
			refreshed_at = excluded.refreshed_at
	`)
	if err != nil {
		return fmt.Errorf("error preparing channel upsert: %w", err)
	}
	defer stmt.Close()

	for _, ch := range cat.Channels {
		groups, err := json.Marshal(ch.Groups)
		if err != nil {
			return fmt.Errorf("error encoding groups for %s: %w", ch.Reference, err)
		}
		if _, err := stmt.Exec(ch.Reference, ch.Name, ch.Logo, ch.LogoOrigin, ch.EpgID,
			ch.CatchupDays, string(groups), ch.URL, ch.Provider, watermark); err != nil {
			return fmt.Errorf("error upserting channel %s: %w", ch.Reference, err)
		}
	}
	return nil
}

func saveGuide(tx *sql.Tx, guide *catalog.Guide, watermark int64) error {
	if guide == nil {
		return nil
	}

	chStmt, err := tx.Prepare(`
		INSERT INTO guide_channels (id, display_names, icon, refreshed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_names = excluded.display_names,
			icon = excluded.icon,
			refreshed_at = excluded.refreshed_at
	`)
	if err != nil {
		return fmt.Errorf("error preparing guide channel upsert: %w", err)
	}
	defer chStmt.Close()

	for _, ch := range guide.Channels {
		names, err := json.Marshal(ch.DisplayNames)
		if err != nil {
			return fmt.Errorf("error encoding display names for %s: %w", ch.ID, err)
		}
		if _, err := chStmt.Exec(ch.ID, string(names), ch.Icon(), watermark); err != nil {
			return fmt.Errorf("error upserting guide channel %s: %w", ch.ID, err)
		}
	}

	progStmt, err := tx.Prepare(`
		INSERT INTO programmes (channel, start, stop, body, refreshed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel, start) DO UPDATE SET
			stop = excluded.stop,
			body = excluded.body,
			refreshed_at = excluded.refreshed_at
	`)
	if err != nil {
		return fmt.Errorf("error preparing programme upsert: %w", err)
	}
	defer progStmt.Close()

	for _, prog := range guide.Programmes {
		if _, err := progStmt.Exec(prog.Channel, prog.Start, prog.Stop, prog.Inner, watermark); err != nil {
			return fmt.Errorf("error upserting programme %s/%s: %w", prog.Channel, prog.Start, err)
		}
	}
	return nil
}

// LoadCatalog rebuilds the last persisted snapshot, reading each table in
// chunks so startup memory stays bounded even for very large catalogs.
func (db *DB) LoadCatalog() (*catalog.Catalog, error) {
	cat := &catalog.Catalog{
		Channels: make(map[string]*catalog.Channel),
		Guide:    &catalog.Guide{},
		BuiltAt:  time.Now(),
	}

	if err := db.loadChannels(cat); err != nil {
		return nil, err
	}
	if err := db.loadGuide(cat); err != nil {
		return nil, err
	}
	return cat, nil
}

func (db *DB) loadChannels(cat *catalog.Catalog) error {
	for offset := 0; ; offset += chunkSize {
		rows, err := db.Query(`
			SELECT reference, name, logo, logo_origin, epg_id, catchup_days, groups, url, provider
			FROM channels ORDER BY reference LIMIT ? OFFSET ?`, chunkSize, offset)
		if err != nil {
			return fmt.Errorf("error reading channels: %w", err)
		}

		var count int
		for rows.Next() {
			var ch catalog.Channel
			var groups string
			if err := rows.Scan(&ch.Reference, &ch.Name, &ch.Logo, &ch.LogoOrigin,
				&ch.EpgID, &ch.CatchupDays, &groups, &ch.URL, &ch.Provider); err != nil {
				rows.Close()
				return fmt.Errorf("error scanning channel row: %w", err)
			}
			if err := json.Unmarshal([]byte(groups), &ch.Groups); err != nil {
				ch.Groups = nil
			}
			cat.Channels[ch.Reference] = &ch
			cat.Ordered = append(cat.Ordered, &ch)
			count++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating channels: %w", err)
		}
		rows.Close()

		if count < chunkSize {
			return nil
		}
	}
}

func (db *DB) loadGuide(cat *catalog.Catalog) error {
	for offset := 0; ; offset += chunkSize {
		rows, err := db.Query(`
			SELECT id, display_names, icon FROM guide_channels
			ORDER BY id LIMIT ? OFFSET ?`, chunkSize, offset)
		if err != nil {
			return fmt.Errorf("error reading guide channels: %w", err)
		}

		var count int
		for rows.Next() {
			var id, names, icon string
			if err := rows.Scan(&id, &names, &icon); err != nil {
				rows.Close()
				return fmt.Errorf("error scanning guide channel row: %w", err)
			}

			ch := &xmltv.Channel{ID: id}
			if err := json.Unmarshal([]byte(names), &ch.DisplayNames); err != nil {
				ch.DisplayNames = nil
			}
			if icon != "" {
				ch.Icons = []xmltv.Icon{{Src: icon}}
			}
			cat.Guide.Channels = append(cat.Guide.Channels, ch)
			count++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating guide channels: %w", err)
		}
		rows.Close()

		if count < chunkSize {
			break
		}
	}

	for offset := 0; ; offset += chunkSize {
		rows, err := db.Query(`
			SELECT channel, start, stop, body FROM programmes
			ORDER BY channel, start LIMIT ? OFFSET ?`, chunkSize, offset)
		if err != nil {
			return fmt.Errorf("error reading programmes: %w", err)
		}

		var count int
		for rows.Next() {
			var prog xmltv.Programme
			if err := rows.Scan(&prog.Channel, &prog.Start, &prog.Stop, &prog.Inner); err != nil {
				rows.Close()
				return fmt.Errorf("error scanning programme row: %w", err)
			}
			cat.Guide.Programmes = append(cat.Guide.Programmes, &prog)
			count++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating programmes: %w", err)
		}
		rows.Close()

		if count < chunkSize {
			return nil
		}
	}
}
