// Package wizard collects the gateway's environment configuration
// interactively and writes a .env file.
package wizard

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/KilimcininKorOglu/cursor-api/pkg/checksum"
)

// Run asks for every recognized option and writes them to path. An
// existing file's values are not read back; the wizard starts from
// defaults.
func Run(path string) error {
	in := bufio.NewScanner(os.Stdin)
	fmt.Println("Gateway configuration wizard")

	vars := map[string]string{}

	port := ask(in, "Listen port", "3000")
	if _, err := strconv.ParseUint(strings.TrimSpace(port), 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	vars["PORT"] = port

	auth := ask(in, "Admin bearer token (empty = generate)", "")
	if auth == "" {
		auth = checksum.NewSecret()
		fmt.Printf("  generated AUTH_TOKEN: %s\n", auth)
	}
	vars["AUTH_TOKEN"] = auth

	if shared := ask(in, "Shared bearer token (empty = disabled)", ""); shared != "" {
		vars["SHARED_TOKEN"] = shared
	}
	if prefix := ask(in, "Route prefix (empty = none)", ""); prefix != "" {
		vars["ROUTE_PREFIX"] = prefix
	}
	if yes(ask(in, "Require admin auth for /build-key? (y/N)", "n")) {
		vars["SHARE_AUTH_TOKEN"] = "true"
	}

	vars["TOKENS_FILE"] = ask(in, "Token snapshot file", "data/tokens.capi")
	vars["PROXIES_FILE"] = ask(in, "Proxy snapshot file", "data/proxies.capi")
	vars["CONFIG_FILE"] = ask(in, "Runtime config file", "data/config.toml")

	if yes(ask(in, "Enable Let's Encrypt TLS? (y/N)", "n")) {
		vars["TLS_DOMAIN"] = ask(in, "TLS domain", "")
		vars["TLS_EMAIL"] = ask(in, "ACME email", "")
		vars["TLS_CACHE_DIR"] = ask(in, "ACME cache dir", "data/tls-autocert")
	}

	return write(path, vars)
}

func write(path string, vars map[string]string) error {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, vars[k])
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func ask(in *bufio.Scanner, label, def string) string {
	if def == "" {
		fmt.Printf("%s: ", label)
	} else {
		fmt.Printf("%s [%s]: ", label, def)
	}
	if !in.Scan() {
		return def
	}
	txt := strings.TrimSpace(in.Text())
	if txt == "" {
		return def
	}
	return txt
}

func yes(v string) bool {
	v = strings.TrimSpace(v)
	return strings.EqualFold(v, "y") || strings.EqualFold(v, "yes") || strings.EqualFold(v, "true")
}
