package core

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// RepairConfig tunes how the engine recognizes its own movement notes. The
// legacy cleanup match rule is configuration on purpose: a wording change in
// the note template must be an explicit config change, not a silent behavior
// change.
type RepairConfig struct {
	// LegacyReversalNotePrefix identifies sale reversal rows written by an
	// old code path that omitted the document number from the note.
	LegacyReversalNotePrefix string
	// DocumentNumberPattern matches anything that looks like a business
	// document number inside a note. Rows matching it are never auto-deleted.
	DocumentNumberPattern string
}

func DefaultRepairConfig() RepairConfig {
	return RepairConfig{
		LegacyReversalNotePrefix: "Reversal of sale",
		DocumentNumberPattern:    `[A-Za-z]{2,}[-/]?[0-9]+`,
	}
}

// RepairConfigFromEnv starts from the defaults and applies env overrides for
// the legacy cleanup match rule.
func RepairConfigFromEnv() RepairConfig {
	cfg := DefaultRepairConfig()
	if prefix := os.Getenv("LEGACY_REVERSAL_NOTE_PREFIX"); prefix != "" {
		cfg.LegacyReversalNotePrefix = prefix
	}
	if pattern := os.Getenv("DOCUMENT_NUMBER_PATTERN"); pattern != "" {
		cfg.DocumentNumberPattern = pattern
	}
	return cfg
}

func (c RepairConfig) compile() (*regexp.Regexp, error) {
	re, err := regexp.Compile(c.DocumentNumberPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid document number pattern %q: %w", c.DocumentNumberPattern, err)
	}
	return re, nil
}

// saleReversalNote is the note template for engine-created sale reversals.
// It must contain the invoice number: phase 4's delta recomputation finds
// prior reversals by substring-matching the note.
func saleReversalNote(invoiceNumber string) string {
	return fmt.Sprintf("Reversal of sale for invoice %s", invoiceNumber)
}

func backfillSaleNote(invoiceNumber string) string {
	return fmt.Sprintf("Sale for invoice %s (backfilled)", invoiceNumber)
}

type noteClass int

const (
	// noteUnrelated: not written from the reversal template at all.
	noteUnrelated noteClass = iota
	// noteOwnDocument: carries the invoice number being repaired.
	noteOwnDocument
	// noteLegacyDuplicate: template prefix, no document number of any kind.
	// The only class the cleanup is allowed to delete.
	noteLegacyDuplicate
	// noteAmbiguous: template prefix with some other document number, or
	// number-like text. Flagged for manual review, never touched.
	noteAmbiguous
)

// classifyReversalNote decides what a sale_reversal note is, relative to the
// document currently being repaired. Matching is case-insensitive throughout,
// consistent with the ILIKE matching the engine's queries use.
func classifyReversalNote(note, invoiceNumber string, prefix string, numberPattern *regexp.Regexp) noteClass {
	lower := strings.ToLower(note)
	if !strings.HasPrefix(lower, strings.ToLower(prefix)) {
		return noteUnrelated
	}
	if strings.Contains(lower, strings.ToLower(invoiceNumber)) {
		return noteOwnDocument
	}
	if numberPattern.MatchString(note) {
		return noteAmbiguous
	}
	return noteLegacyDuplicate
}
