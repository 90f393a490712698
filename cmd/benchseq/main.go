// Command benchseq runs instrument test sequences.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/roach88/benchseq/internal/cli"
)

func main() {
	envfile := ".env"
	if f := os.Getenv("BENCHSEQ_ENV_FILE"); f != "" {
		envfile = f
	}
	if err := godotenv.Load(envfile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "benchseq: loading %s: %v\n", envfile, err)
		os.Exit(cli.ExitCommandError)
	}

	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "benchseq:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
