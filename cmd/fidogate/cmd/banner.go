package cmd

import "fmt"

func printBanner() {
	fmt.Print(`
  __ _     _                  _
 / _(_) __| | ___   __ _ __ _| |_ ___
| |_| |/ _` + "`" + ` |/ _ \ / _` + "`" + ` / _` + "`" + ` | __/ _ \
|  _| | (_| | (_) | (_| | (_| | ||  __/
|_| |_|\__,_|\___/ \__, |\__,_|\__\___|
                   |___/
`)
}
