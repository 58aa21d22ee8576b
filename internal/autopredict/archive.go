package autopredict

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// Finalize streams the session archive into w: every raw/*.json document
// plus one stats CSV per model, then tears the session down. The writer is
// typically the HTTP response, so the archive never materialises on disk.
func (m *Manager) Finalize(id string, w io.Writer) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	defer os.RemoveAll(sess.dir)

	zw := zip.NewWriter(w)

	if err := addRawFiles(zw, sess.dir); err != nil {
		return err
	}
	if err := addStatsFiles(zw, sess); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}

	fmt.Printf("[AutoPredict %s] session finalised: %d discharges, %d models\n",
		id[:8], len(sess.order), len(sess.models))
	return nil
}

func addRawFiles(zw *zip.Writer, dir string) error {
	rawDir := filepath.Join(dir, "raw")
	entries, err := os.ReadDir(rawDir)
	if err != nil {
		return fmt.Errorf("reading raw directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		f, err := os.Open(filepath.Join(rawDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("opening %s: %w", entry.Name(), err)
		}

		zf, err := zw.Create("raw/" + entry.Name())
		if err != nil {
			f.Close()
			return err
		}
		if _, err := io.Copy(zf, f); err != nil {
			f.Close()
			return fmt.Errorf("archiving %s: %w", entry.Name(), err)
		}
		f.Close()
	}
	return nil
}

// addStatsFiles writes stats/<model>.csv with one column triplet per
// discharge in first-sight order. Rows extend to the longest column within
// the model; missing cells stay blank.
func addStatsFiles(zw *zip.Writer, sess *session) error {
	modelNames := make([]string, 0, len(sess.models))
	for name := range sess.models {
		modelNames = append(modelNames, name)
	}
	sort.Strings(modelNames)

	for _, name := range modelNames {
		ms := sess.models[name]

		zf, err := zw.Create("stats/" + safeName(name) + ".csv")
		if err != nil {
			return err
		}
		cw := csv.NewWriter(zf)

		header := make([]string, 0, 3*len(sess.order))
		maxRows := 0
		for _, dischargeID := range sess.order {
			safe := safeName(dischargeID)
			header = append(header,
				safe+"_justification",
				safe+"_justification_threshold",
				safe+"_count_threshold",
			)
			if ds, ok := ms.discharges[dischargeID]; ok && len(ds.Justifications) > maxRows {
				maxRows = len(ds.Justifications)
			}
		}
		if err := cw.Write(header); err != nil {
			return err
		}

		row := make([]string, len(header))
		for i := 0; i < maxRows; i++ {
			for col, dischargeID := range sess.order {
				ds := ms.discharges[dischargeID]
				if ds == nil || i >= len(ds.Justifications) {
					row[col*3] = ""
					row[col*3+1] = ""
					row[col*3+2] = ""
					continue
				}
				row[col*3] = strconv.FormatFloat(ds.Justifications[i], 'g', -1, 64)
				row[col*3+1] = strconv.Itoa(ds.Thresholds[i])
				row[col*3+2] = strconv.Itoa(ds.CountThresholds[i])
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}

		cw.Flush()
		if err := cw.Error(); err != nil {
			return fmt.Errorf("writing stats for %s: %w", name, err)
		}
	}
	return nil
}
