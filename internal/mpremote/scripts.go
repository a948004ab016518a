package mpremote

import (
	"fmt"
	"strconv"
)

// pyString renders s as a Python string literal. Go's quoting rules are a
// subset Python accepts (\", \\, \n, \t, \xNN, \uNNNN).
func pyString(s string) string {
	return strconv.Quote(s)
}

func statScript(p string) string {
	return fmt.Sprintf(`import os
try:
    s = os.stat(%s)
    print(s[0], s[6])
except OSError:
    print('ENOENT')
`, pyString(p))
}

func renameScript(from, to string) string {
	return fmt.Sprintf(`import os
try:
    os.rename(%s, %s)
    print('OK')
except OSError as e:
    print('ENOENT' if e.args and e.args[0] == 2 else 'ERR', e)
`, pyString(from), pyString(to))
}

// walkScript prints one JSON object per entry below root:
// {"p": absolute path, "d": 1 for directories, "s": size}.
func walkScript(root string) string {
	return fmt.Sprintf(`import os, json
def _w(p):
    for e in os.ilistdir(p):
        n = e[0]
        c = (p + '/' + n) if p != '/' else '/' + n
        if e[1] & 0x4000:
            print(json.dumps({'p': c, 'd': 1, 's': 0}))
            _w(c)
        else:
            s = e[3] if len(e) > 3 else os.stat(c)[6]
            print(json.dumps({'p': c, 'd': 0, 's': s}))
_w(%s)
`, pyString(root))
}
