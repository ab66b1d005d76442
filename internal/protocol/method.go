// ABOUTME: Enumerated identifiers for well-known tool methods.
// ABOUTME: ParseMethod is the single translation point from wire names.

package protocol

// Method identifies a well-known tool method. Methods outside this set are
// still routable by name; they parse to MethodUnknown.
type Method uint8

const (
	MethodUnknown Method = iota
	MethodExecuteQuery
	MethodExplainQuery
	MethodListTables
	MethodDescribeTable
	MethodGenerateSQL
	MethodComplete
	MethodListMethods
	MethodEcho
	MethodServerInfo
)

var methodNames = [...]string{
	MethodUnknown:       "",
	MethodExecuteQuery:  "execute_query",
	MethodExplainQuery:  "explain_query",
	MethodListTables:    "list_tables",
	MethodDescribeTable: "describe_table",
	MethodGenerateSQL:   "generate_sql",
	MethodComplete:      "llm_complete",
	MethodListMethods:   "list_methods",
	MethodEcho:          "echo",
	MethodServerInfo:    "server_info",
}

var methodsByName = func() map[string]Method {
	m := make(map[string]Method, len(methodNames))
	for i, name := range methodNames {
		if name != "" {
			m[name] = Method(i)
		}
	}
	return m
}()

// String returns the wire name of the method.
func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return ""
}

// ParseMethod maps a wire name to its enumerated identifier.
func ParseMethod(name string) Method {
	return methodsByName[name]
}
