// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Command signin signs a user in to Microsoft Entra ID and keeps the tokens in a persistent cache.
//
//	signin login --client-id 11111111-1111-1111-1111-111111111111 --tenant contoso.onmicrosoft.com
//	signin token https://vault.azure.net/.default
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := execute(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
