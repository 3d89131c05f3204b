// Package main is a development utility for generating a test JWT plus the SQL
// needed to seed a matching user row in a local database. It prints the token,
// the claims it carries, and a ready-to-run INSERT statement so developers can
// exercise the authenticated sync endpoints with curl without wiring up a real
// identity provider. Do not use generated tokens in production — tokens there
// come from the identity service with proper expiry and rotation.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fieldtrace/fieldtrace/internal/auth"
)

func main() {
	userID := "00000000-0000-0000-0000-000000000001"
	orgID := "00000000-0000-0000-0000-0000000000aa"
	email := "dev@example.com"

	if os.Getenv("FLT_JWT_SECRET") == "" {
		// Generate a throwaway secret so the utility works out of the box.
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			log.Fatal(err)
		}
		secret := hex.EncodeToString(secretBytes)
		os.Setenv("FLT_JWT_SECRET", secret)
		fmt.Println("FLT_JWT_SECRET was not set; generated one for this token.")
		fmt.Println("Export it before starting the server or the token will not validate:")
		fmt.Printf("  export FLT_JWT_SECRET=%s\n\n", secret)
	}

	token, err := auth.GenerateJWT(userID, orgID, email, 24*time.Hour)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("Development JWT (valid 24h):")
	fmt.Printf("  %s\n\n", token)

	fmt.Println("Claims:")
	fmt.Printf("  user_id:         %s\n", userID)
	fmt.Printf("  organization_id: %s\n", orgID)
	fmt.Printf("  email:           %s\n\n", email)

	fmt.Println("Seed a matching user and organization in your local database:")
	fmt.Printf("  INSERT INTO organizations (id, name, display_name) VALUES ('%s', 'default', 'Dev Organization') ON CONFLICT DO NOTHING;\n", orgID)
	fmt.Printf("  INSERT INTO users (id, organization_id, email, display_name) VALUES ('%s', '%s', '%s', 'Dev User') ON CONFLICT DO NOTHING;\n\n", userID, orgID, email)

	fmt.Println("Example request:")
	fmt.Printf("  curl -H \"Authorization: Bearer %s\" http://localhost:8080/api/v1/ledger/events\n", token)
}
