package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agent-sentinel/account"
	"agent-sentinel/logger"

	_ "github.com/mattn/go-sqlite3"
)

var log = logger.Logger

// Chain is the append-only audit log. Entries are held in memory for fast
// queries and mirrored to SQLite for durability.
type Chain struct {
	mutex    sync.Mutex
	entries  []*Entry
	byHash   map[string]*Entry
	recorder *account.Account
	dataPath string
	db       *sql.DB
}

// NewChain opens (or creates) an audit chain rooted at dataPath
func NewChain(recorder *account.Account, dataPath string) (*Chain, error) {
	chain := &Chain{
		byHash:   make(map[string]*Entry),
		recorder: recorder,
		dataPath: dataPath,
	}

	if err := chain.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize audit database: %w", err)
	}
	if err := chain.loadEntries(); err != nil {
		return nil, fmt.Errorf("failed to load audit entries: %w", err)
	}

	if len(chain.entries) == 0 {
		genesis, err := CreateGenesisEntry(recorder)
		if err != nil {
			return nil, fmt.Errorf("failed to create genesis entry: %w", err)
		}
		chain.entries = append(chain.entries, genesis)
		chain.byHash[genesis.Hash] = genesis
		if err := chain.saveEntry(genesis); err != nil {
			return nil, err
		}
		log.WithField("hash", genesis.Hash).Info("Audit chain created")
	} else {
		log.WithField("entries", len(chain.entries)).Info("Audit chain loaded")
	}

	return chain, nil
}

func (chain *Chain) initDatabase() error {
	if err := os.MkdirAll(chain.dataPath, 0755); err != nil {
		return err
	}

	db, err := sql.Open("sqlite3", filepath.Join(chain.dataPath, "audit.db"))
	if err != nil {
		return err
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		idx INTEGER PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		prev_hash TEXT NOT NULL,
		kind TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		session_id TEXT,
		data TEXT NOT NULL,
		recorder_address TEXT NOT NULL,
		signature BLOB,
		hash TEXT NOT NULL UNIQUE
	);
	CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_entries(agent_id);
	`
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return err
	}

	chain.db = db
	return nil
}

func (chain *Chain) loadEntries() error {
	rows, err := chain.db.Query(`
		SELECT idx, timestamp, prev_hash, kind, agent_id, session_id, data, recorder_address, signature, hash
		FROM audit_entries ORDER BY idx ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		entry := &Entry{}
		var sessionID sql.NullString
		if err := rows.Scan(&entry.Index, &entry.Timestamp, &entry.PrevHash, &entry.Kind,
			&entry.AgentID, &sessionID, &entry.Data, &entry.RecorderAddress,
			&entry.Signature, &entry.Hash); err != nil {
			return err
		}
		entry.SessionID = sessionID.String
		chain.entries = append(chain.entries, entry)
		chain.byHash[entry.Hash] = entry
	}
	return rows.Err()
}

func (chain *Chain) saveEntry(entry *Entry) error {
	_, err := chain.db.Exec(`
		INSERT INTO audit_entries (idx, timestamp, prev_hash, kind, agent_id, session_id, data, recorder_address, signature, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Index, entry.Timestamp, entry.PrevHash, string(entry.Kind), entry.AgentID,
		entry.SessionID, entry.Data, entry.RecorderAddress, entry.Signature, entry.Hash)
	return err
}

// Close closes the audit database
func (chain *Chain) Close() {
	if chain.db != nil {
		chain.db.Close()
	}
}

// Append adds a new signed entry to the chain. The payload is stored as JSON
// in the entry's Data field.
func (chain *Chain) Append(kind EntryKind, agentID, sessionID string, payload interface{}) (*Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit payload: %w", err)
	}

	chain.mutex.Lock()
	defer chain.mutex.Unlock()

	latest := chain.entries[len(chain.entries)-1]
	entry := &Entry{
		Index:           latest.Index + 1,
		Timestamp:       time.Now().Unix(),
		PrevHash:        latest.Hash,
		Kind:            kind,
		AgentID:         agentID,
		SessionID:       sessionID,
		Data:            string(data),
		RecorderAddress: chain.recorder.Address,
	}
	entry.StoreHash()

	signature, err := chain.recorder.Sign(entry.CalculateHash())
	if err != nil {
		return nil, fmt.Errorf("failed to sign audit entry: %w", err)
	}
	entry.Signature = signature

	chain.entries = append(chain.entries, entry)
	chain.byHash[entry.Hash] = entry

	if err := chain.saveEntry(entry); err != nil {
		return nil, fmt.Errorf("failed to persist audit entry: %w", err)
	}

	log.WithFields(logger.Fields{
		"index":   entry.Index,
		"kind":    kind,
		"agentID": agentID,
	}).Debug("Audit entry appended")

	return entry, nil
}

// Count returns the number of entries including genesis
func (chain *Chain) Count() int {
	chain.mutex.Lock()
	defer chain.mutex.Unlock()
	return len(chain.entries)
}

// Latest returns the most recent entry
func (chain *Chain) Latest() *Entry {
	chain.mutex.Lock()
	defer chain.mutex.Unlock()
	return chain.entries[len(chain.entries)-1]
}

// EntryByHash looks an entry up by hash
func (chain *Chain) EntryByHash(hash string) *Entry {
	chain.mutex.Lock()
	defer chain.mutex.Unlock()
	return chain.byHash[hash]
}

// EntriesForAgent returns every entry recorded for one agent
func (chain *Chain) EntriesForAgent(agentID string) []*Entry {
	chain.mutex.Lock()
	defer chain.mutex.Unlock()

	var result []*Entry
	for _, entry := range chain.entries {
		if entry.AgentID == agentID {
			result = append(result, entry)
		}
	}
	return result
}

// Verify walks the whole chain and checks hash linkage and entry hashes
func (chain *Chain) Verify() bool {
	chain.mutex.Lock()
	defer chain.mutex.Unlock()

	for i, entry := range chain.entries {
		if entry.Hash != fmt.Sprintf("%x", entry.CalculateHash()) {
			log.WithField("index", entry.Index).Error("Audit entry hash mismatch")
			return false
		}
		if i == 0 {
			if entry.PrevHash != PrevHashOfGenesis {
				return false
			}
			continue
		}
		if entry.PrevHash != chain.entries[i-1].Hash {
			log.WithFields(logger.Fields{
				"index":    entry.Index,
				"prevHash": entry.PrevHash,
			}).Error("Audit chain linkage broken")
			return false
		}
		if entry.Index != chain.entries[i-1].Index+1 {
			return false
		}
	}
	return true
}
