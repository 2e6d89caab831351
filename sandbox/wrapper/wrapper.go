// Package wrapper implements last-line-interactive wrapping. It is a
// source-to-source Python transform expressed as a string template: the
// emitted program parses the user's code with Python's own ast module and
// re-compiles the final statement in interactive mode. The Go side never
// parses Python; the parsing happens inside the sandbox, at run time, in
// Python.
package wrapper

import "strings"

// Wrap returns the Python source to execute for the given user code and
// lastLineInteractive flag. When lastLineInteractive is false, code is
// returned unchanged. When true, code is embedded (with backslashes and
// single quotes escaped so it survives re-embedding in a Python string
// literal) in a small driver script that executes every statement but the
// last in standard 'exec' mode, and the last statement in 'single' mode if
// it is a bare expression — which causes Python to print its repr to
// stdout, mimicking a REPL/Jupyter cell.
func Wrap(code string, lastLineInteractive bool) string {
	if !lastLineInteractive {
		return code
	}
	return driverTemplate(code)
}

// escape makes code safe to embed inside a Python triple-single-quoted
// string literal. This mirrors the original's
// code.replace("\\", "\\\\").replace("'", "\\'") exactly.
func escape(code string) string {
	code = strings.ReplaceAll(code, `\`, `\\`)
	code = strings.ReplaceAll(code, `'`, `\'`)
	return code
}

func driverTemplate(code string) string {
	var b strings.Builder
	b.WriteString("import ast\n")
	b.WriteString("import sys\n\n")
	b.WriteString("code = '''")
	b.WriteString(escape(code))
	b.WriteString("'''\n\n")
	b.WriteString("tree = ast.parse(code)\n\n")
	b.WriteString("if len(tree.body) > 0:\n")
	b.WriteString("    for node in tree.body[:-1]:\n")
	b.WriteString("        code_obj = compile(ast.Module(body=[node], type_ignores=[]), '<stdin>', 'exec')\n")
	b.WriteString("        exec(code_obj)\n\n")
	b.WriteString("    last_node = tree.body[-1]\n")
	b.WriteString("    if isinstance(last_node, ast.Expr):\n")
	b.WriteString("        interactive = ast.Interactive(body=[last_node])\n")
	b.WriteString("        ast.fix_missing_locations(interactive)\n")
	b.WriteString("        code_obj = compile(interactive, '<stdin>', 'single')\n")
	b.WriteString("        exec(code_obj)\n")
	b.WriteString("    else:\n")
	b.WriteString("        code_obj = compile(ast.Module(body=[last_node], type_ignores=[]), '<stdin>', 'exec')\n")
	b.WriteString("        exec(code_obj)\n")
	return b.String()
}
