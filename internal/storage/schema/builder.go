package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// IndexDef 索引定义
type IndexDef struct {
	Name string
	SQL  string
}

type indexSpec struct {
	name    string
	columns string
}

// TableBuilder 以 MySQL 语法描述表结构，按方言生成 DDL
type TableBuilder struct {
	name    string
	columns []string
	indexes []indexSpec
}

func NewTable(name string) *TableBuilder {
	return &TableBuilder{name: name}
}

// Column 追加列或表级约束定义（MySQL 语法）
func (tb *TableBuilder) Column(def string) *TableBuilder {
	tb.columns = append(tb.columns, def)
	return tb
}

// Index 追加普通索引
func (tb *TableBuilder) Index(name, columns string) *TableBuilder {
	tb.indexes = append(tb.indexes, indexSpec{name: name, columns: columns})
	return tb
}

func (tb *TableBuilder) Name() string {
	return tb.name
}

func (tb *TableBuilder) BuildMySQL() string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		tb.name, strings.Join(tb.columns, ",\n\t"))
}

func (tb *TableBuilder) BuildSQLite() string {
	cols := make([]string, 0, len(tb.columns))
	for _, c := range tb.columns {
		cols = append(cols, toSQLiteColumn(c))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", tb.name, strings.Join(cols, ",\n\t"))
}

// GetIndexesMySQL MySQL 5.6 不支持 CREATE INDEX IF NOT EXISTS，重复索引错误由调用方忽略
func (tb *TableBuilder) GetIndexesMySQL() []IndexDef {
	out := make([]IndexDef, 0, len(tb.indexes))
	for _, idx := range tb.indexes {
		out = append(out, IndexDef{
			Name: idx.name,
			SQL:  fmt.Sprintf("CREATE INDEX %s ON %s(%s)", idx.name, tb.name, idx.columns),
		})
	}
	return out
}

func (tb *TableBuilder) GetIndexesSQLite() []IndexDef {
	out := make([]IndexDef, 0, len(tb.indexes))
	for _, idx := range tb.indexes {
		out = append(out, IndexDef{
			Name: idx.name,
			SQL:  fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", idx.name, tb.name, idx.columns),
		})
	}
	return out
}

var (
	reAutoIncPK = regexp.MustCompile(`(?i)\bINT\s+PRIMARY\s+KEY\s+AUTO_INCREMENT\b`)
	reUniqueKey = regexp.MustCompile(`(?i)^UNIQUE\s+KEY\s+\w+\s*\(`)
	reIntTypes  = regexp.MustCompile(`(?i)\b(TINYINT|SMALLINT|BIGINT|INT)\b`)
	reVarchar   = regexp.MustCompile(`(?i)\bVARCHAR\(\d+\)`)
	reDouble    = regexp.MustCompile(`(?i)\bDOUBLE\b`)
	reComment   = regexp.MustCompile(`(?i)\s+COMMENT\s+'[^']*'`)
)

func toSQLiteColumn(def string) string {
	def = strings.TrimSpace(def)
	def = reComment.ReplaceAllString(def, "")
	if reUniqueKey.MatchString(def) {
		return reUniqueKey.ReplaceAllString(def, "UNIQUE (")
	}
	def = reAutoIncPK.ReplaceAllString(def, "INTEGER PRIMARY KEY AUTOINCREMENT")
	def = reIntTypes.ReplaceAllString(def, "INTEGER")
	def = reVarchar.ReplaceAllString(def, "TEXT")
	def = reDouble.ReplaceAllString(def, "REAL")
	return def
}
