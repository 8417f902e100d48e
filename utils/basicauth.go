package utils

import (
	"crypto/subtle"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// BasicAuth protects handler with the credentials given on the command line.
func BasicAuth(handler http.HandlerFunc) http.HandlerFunc {
	return basicAuthHandler(handler, GetBasicAuthUser(), GetBasicAuthPassword())
}

func basicAuthHandler(handler http.HandlerFunc, username, password string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !validateUsernameAndPassword(user, pass, username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="mdmrelay"`)
			w.WriteHeader(http.StatusUnauthorized)
			log.WithField("path", r.URL.Path).Error("Unauthorised request")
			_, _ = w.Write([]byte("Unauthorised.\n"))
			return
		}

		handler(w, r)
	}
}

func validateUsernameAndPassword(requestUsername, requestPassword, desiredUsername, desiredPassword string) bool {
	if desiredPassword == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(requestUsername), []byte(desiredUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(requestPassword), []byte(desiredPassword)) == 1
	return userOK && passOK
}
