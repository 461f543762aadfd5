package logger

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields = logrus.Fields

// DISPLAY_TAG marks log lines that should always reach the operator console.
const DISPLAY_TAG = "[SENTINEL]"

// DatabaseHook writes every log entry to a SQLite database so that verdicts
// and quarantine transitions can be queried after the fact.
type DatabaseHook struct {
	db *sql.DB
}

// NewDatabaseHook creates a new database hook
func NewDatabaseHook(dbPath string) (*DatabaseHook, error) {
	dir := path.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		function_name TEXT,
		file_name TEXT,
		line_number INTEGER,
		fields TEXT
	)`

	if _, err = db.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create logs table: %v", err)
	}

	return &DatabaseHook{db: db}, nil
}

// Fire is called when a logging event is fired
func (hook *DatabaseHook) Fire(entry *logrus.Entry) error {
	var fileName, funcName string
	var lineNum int

	if entry.HasCaller() {
		fileName = path.Base(entry.Caller.File)
		funcName = entry.Caller.Function
		lineNum = entry.Caller.Line

		if idx := strings.LastIndex(funcName, "."); idx >= 0 {
			funcName = funcName[idx+1:]
		}
	}

	fieldsText := ""
	if len(entry.Data) > 0 {
		var fieldParts []string
		for k, v := range entry.Data {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", k, v))
		}
		fieldsText = strings.Join(fieldParts, ", ")
	}

	insertSQL := `
	INSERT INTO logs (timestamp, level, message, function_name, file_name, line_number, fields)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := hook.db.Exec(insertSQL,
		entry.Time,
		entry.Level.String(),
		entry.Message,
		funcName,
		fileName,
		lineNum,
		fieldsText,
	)

	return err
}

// Levels returns the available logging levels
func (hook *DatabaseHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// ConsoleFilter keeps the console readable: only warnings and up, plus the
// info lines an operator actually watches for (verdicts, quarantine moves,
// recovery progress).
type ConsoleFilter struct {
	writer io.Writer
}

// NewConsoleFilter creates a new console filter
func NewConsoleFilter(writer io.Writer) *ConsoleFilter {
	return &ConsoleFilter{writer: writer}
}

// Write filters messages and only writes important ones to console
func (cf *ConsoleFilter) Write(p []byte) (n int, err error) {
	logLine := string(p)

	if strings.Contains(logLine, "[ERROR]") ||
		strings.Contains(logLine, "[FATAL]") ||
		strings.Contains(logLine, "[PANIC]") ||
		strings.Contains(logLine, "[WARN]") ||
		(strings.Contains(logLine, "[INFO]") && (strings.Contains(logLine, DISPLAY_TAG) ||
			strings.Contains(logLine, "verdict") ||
			strings.Contains(logLine, "quarantine") ||
			strings.Contains(logLine, "session") ||
			strings.Contains(logLine, "recovery") ||
			strings.Contains(logLine, "endorsement") ||
			strings.Contains(logLine, "started") ||
			strings.Contains(logLine, "stopped"))) {
		return cf.writer.Write(p)
	}

	// Report the bytes as written so logrus does not treat the drop as an error.
	return len(p), nil
}

// Log4jFormatter formats entries the way the rest of our tooling expects:
// YYYY-MM-DD HH:mm:ss.SSS [LEVEL] pkg.method(File:Line) - message {fields}
type Log4jFormatter struct{}

func (f *Log4jFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var fileName string
	var funcName string
	var lineNum int

	if entry.HasCaller() {
		fileName = path.Base(entry.Caller.File)
		funcName = entry.Caller.Function
		lineNum = entry.Caller.Line

		if idx := strings.LastIndex(funcName, "."); idx >= 0 {
			funcName = funcName[idx+1:]
		}
	}

	logLine := fmt.Sprintf("%s [%s] %s.%s(%s:%d) - %s",
		entry.Time.Format("2006-01-02 15:04:05.000"),
		strings.ToUpper(entry.Level.String()),
		"sentinel",
		funcName,
		fileName,
		lineNum,
		entry.Message,
	)

	if len(entry.Data) > 0 {
		logLine += " {"
		var fieldParts []string
		for k, v := range entry.Data {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", k, v))
		}
		logLine += strings.Join(fieldParts, ", ")
		logLine += "}"
	}

	return []byte(logLine + "\n"), nil
}

// Logger is the global logger instance
var Logger = logrus.New()

// L is a short alias kept for call sites that log heavily
var L = Logger

var dbHook *DatabaseHook

// LogEntry represents a log entry read back from the database
type LogEntry struct {
	ID           int       `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	FunctionName string    `json:"function_name"`
	FileName     string    `json:"file_name"`
	LineNumber   int       `json:"line_number"`
	Fields       string    `json:"fields"`
}

// QueryLogs retrieves logs from database with optional filters
func QueryLogs(level string, startTime, endTime *time.Time, limit int) ([]LogEntry, error) {
	if dbHook == nil {
		return nil, fmt.Errorf("database logging not initialized")
	}

	query := "SELECT id, timestamp, level, message, function_name, file_name, line_number, fields FROM logs WHERE 1=1"
	args := []interface{}{}

	if level != "" {
		query += " AND level = ?"
		args = append(args, level)
	}

	if startTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, startTime)
	}

	if endTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, endTime)
	}

	query += " ORDER BY timestamp DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := dbHook.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var log LogEntry
		err := rows.Scan(&log.ID, &log.Timestamp, &log.Level, &log.Message,
			&log.FunctionName, &log.FileName, &log.LineNumber, &log.Fields)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}

	return logs, nil
}

// GetLogStats returns per-level counts from the log database
func GetLogStats() (map[string]int, error) {
	if dbHook == nil {
		return nil, fmt.Errorf("database logging not initialized")
	}

	query := "SELECT level, COUNT(*) as count FROM logs GROUP BY level"
	rows, err := dbHook.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var level string
		var count int
		err := rows.Scan(&level, &count)
		if err != nil {
			return nil, err
		}
		stats[level] = count
	}

	return stats, nil
}

func init() {
	Logger.SetReportCaller(true)

	var err error
	dbHook, err = NewDatabaseHook("logs/sentinel.db")
	if err != nil {
		fmt.Printf("Failed to initialize database logging: %v\n", err)
	} else {
		Logger.AddHook(dbHook)
	}

	consoleFilter := NewConsoleFilter(os.Stdout)

	fileWriter := &lumberjack.Logger{
		Filename:   "logs/sentinel.log",
		MaxSize:    100,
		MaxBackups: 2,
		MaxAge:     30, // days
		Compress:   true,
	}

	Logger.Out = io.MultiWriter(consoleFilter, fileWriter)
	Logger.SetFormatter(&Log4jFormatter{})
	Logger.SetLevel(logrus.DebugLevel)
	Logger.Info("Dual logging system initialized")
}
