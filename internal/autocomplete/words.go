package autocomplete

var pythonKeywords = []string{
	"def", "class", "if", "elif", "else", "for", "while", "try", "except", "finally",
	"import", "from", "as", "return", "yield", "with", "lambda", "break", "continue",
	"pass", "global", "nonlocal", "assert", "raise",
}

var pythonBuiltins = []string{
	"abs", "all", "any", "ascii", "bin", "bool", "bytearray", "bytes", "callable", "chr", "classmethod",
	"compile", "complex", "delattr", "dict", "dir", "divmod", "enumerate", "eval", "exec", "filter",
	"float", "format", "frozenset", "getattr", "globals", "hasattr", "hash", "help", "hex", "id", "input",
	"int", "isinstance", "issubclass", "iter", "len", "list", "locals", "map", "max", "memoryview", "min",
	"next", "object", "oct", "open", "ord", "pow", "print", "property", "range", "repr", "reversed", "round",
	"set", "setattr", "slice", "sorted", "staticmethod", "str", "sum", "super", "tuple", "type", "vars", "zip",
}

var pythonMethods = []string{
	"append", "extend", "insert", "remove", "pop", "clear", "sort", "reverse", "copy", "keys", "values",
	"items", "get", "update", "setdefault", "split", "join", "replace", "strip", "lower", "upper",
	"startswith", "endswith", "find", "index", "count", "format", "read", "write", "close", "seek",
	"encode", "decode",
}

var pythonModules = []string{
	"os", "sys", "math", "random", "json", "re", "datetime", "time", "collections", "itertools",
	"functools", "subprocess", "threading", "asyncio", "pathlib", "shutil", "socket", "logging",
	"http", "email", "argparse", "pickle", "copy", "heapq", "uuid", "glob", "tempfile", "traceback",
}

// allWords keeps list order: keywords first, so "de" suggests "def"
// before any builtin.
var allWords []string

func init() {
	allWords = append(allWords, pythonKeywords...)
	allWords = append(allWords, pythonBuiltins...)
	allWords = append(allWords, pythonMethods...)
	allWords = append(allWords, pythonModules...)
}
