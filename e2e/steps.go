package e2e

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/cucumber/godog"
)

// RegisterSteps registers all step definitions
func RegisterSteps(ctx *godog.ScenarioContext, s *simulationSteps) {
	// Background steps
	ctx.Step(`^the quick simulation API is running$`, s.apiIsRunning)

	// Request building steps
	ctx.Step(`^I am client "([^"]*)"$`, s.iAmClient)
	ctx.Step(`^I attach a photo as "([^"]*)"$`, s.attachPhoto)
	ctx.Step(`^I attach a text file as "([^"]*)"$`, s.attachTextFile)
	ctx.Step(`^I send data '([^']*)'$`, s.sendData)
	ctx.Step(`^my recaptcha token is "([^"]*)"$`, s.recaptchaToken)
	ctx.Step(`^I call from origin "([^"]*)"$`, s.callFromOrigin)

	// Request steps
	ctx.Step(`^I POST the simulation to "([^"]*)" signed with the (private|exposed) secret$`, s.postSigned)
	ctx.Step(`^I POST the simulation to "([^"]*)" without a signature$`, s.postUnsigned)
	ctx.Step(`^I POST the simulation to "([^"]*)" after swapping the photo$`, s.postTampered)
	ctx.Step(`^I send a preflight to "([^"]*)"$`, s.preflight)
	ctx.Step(`^I GET "([^"]*)"$`, s.get)

	// Assertion steps
	ctx.Step(`^the response status should be (\d+)$`, s.responseStatusShouldBe)
	ctx.Step(`^the response field "([^"]*)" should equal "([^"]*)"$`, s.responseFieldShouldEqual)
	ctx.Step(`^the response header "([^"]*)" should equal "([^"]*)"$`, s.responseHeaderShouldEqual)
	ctx.Step(`^the response header "([^"]*)" should be set$`, s.responseHeaderShouldBeSet)
	ctx.Step(`^(\d+) jobs? should be queued$`, s.jobsShouldBeQueued)
	ctx.Step(`^log "([^"]*)"$`, s.logMessage)
}

type simulationSteps struct {
	tc *TestContext
}

func (s *simulationSteps) apiIsRunning(ctx context.Context) error {
	return s.tc.Do(http.MethodGet, "/health/live", nil, nil)
}

func (s *simulationSteps) iAmClient(ctx context.Context, clientID string) error {
	s.tc.ClientID = clientID
	return nil
}

func (s *simulationSteps) attachPhoto(ctx context.Context, field string) error {
	s.tc.Files[field] = photo
	return nil
}

func (s *simulationSteps) attachTextFile(ctx context.Context, field string) error {
	s.tc.Files[field] = []byte("definitely not a picture")
	return nil
}

func (s *simulationSteps) sendData(ctx context.Context, data string) error {
	s.tc.Data = []byte(data)
	return nil
}

func (s *simulationSteps) recaptchaToken(ctx context.Context, token string) error {
	s.tc.Recaptcha = token
	return nil
}

func (s *simulationSteps) callFromOrigin(ctx context.Context, origin string) error {
	s.tc.Origin = origin
	return nil
}

func (s *simulationSteps) secret(kind string) (string, error) {
	c, ok := s.tc.Clients[s.tc.ClientID]
	if !ok {
		return "", fmt.Errorf("unknown client %q", s.tc.ClientID)
	}
	if kind == "exposed" {
		return c.ExposedSecret, nil
	}
	return c.Secret, nil
}

func (s *simulationSteps) postSigned(ctx context.Context, path, kind string) error {
	secret, err := s.secret(kind)
	if err != nil {
		return err
	}
	token, err := s.tc.Token(secret)
	if err != nil {
		return err
	}
	return s.tc.Upload(path, token)
}

func (s *simulationSteps) postUnsigned(ctx context.Context, path string) error {
	token, err := s.tc.Token("")
	if err != nil {
		return err
	}
	return s.tc.Upload(path, token)
}

// postTampered signs the current body, then uploads a different photo.
func (s *simulationSteps) postTampered(ctx context.Context, path string) error {
	secret, err := s.secret("private")
	if err != nil {
		return err
	}
	token, err := s.tc.Token(secret)
	if err != nil {
		return err
	}
	for name, content := range s.tc.Files {
		s.tc.Files[name] = append(append([]byte(nil), content...), 0x00)
	}
	return s.tc.Upload(path, token)
}

func (s *simulationSteps) preflight(ctx context.Context, path string) error {
	headers := map[string]string{"Access-Control-Request-Method": http.MethodPost}
	if s.tc.Origin != "" {
		headers["Origin"] = s.tc.Origin
	}
	return s.tc.Do(http.MethodOptions, path, nil, headers)
}

func (s *simulationSteps) get(ctx context.Context, path string) error {
	return s.tc.Do(http.MethodGet, path, nil, nil)
}

func (s *simulationSteps) responseStatusShouldBe(ctx context.Context, expectedStatus int) error {
	if s.tc.LastResponse == nil {
		return fmt.Errorf("no request was made")
	}
	if s.tc.LastResponse.StatusCode != expectedStatus {
		return fmt.Errorf("expected status %d but got %d", expectedStatus, s.tc.LastResponse.StatusCode)
	}
	return nil
}

func (s *simulationSteps) responseFieldShouldEqual(ctx context.Context, field, expectedValue string) error {
	actualValue, err := s.tc.GetResponseField(field)
	if err != nil {
		return err
	}
	if fmt.Sprint(actualValue) != expectedValue {
		return fmt.Errorf("field %s: expected %s but got %v", field, expectedValue, actualValue)
	}
	return nil
}

func (s *simulationSteps) responseHeaderShouldEqual(ctx context.Context, header, expectedValue string) error {
	actual := s.tc.LastResponse.Header.Get(header)
	if actual != expectedValue {
		return fmt.Errorf("header %s: expected %q but got %q", header, expectedValue, actual)
	}
	return nil
}

func (s *simulationSteps) responseHeaderShouldBeSet(ctx context.Context, header string) error {
	if strings.TrimSpace(s.tc.LastResponse.Header.Get(header)) == "" {
		return fmt.Errorf("header %s is not set", header)
	}
	return nil
}

func (s *simulationSteps) jobsShouldBeQueued(ctx context.Context, n int) error {
	if s.tc.Jobs == nil {
		// Against an external server the queue is not observable.
		return nil
	}
	if got := len(s.tc.Jobs.Jobs()); got != n {
		return fmt.Errorf("expected %d queued jobs but got %d", n, got)
	}
	return nil
}

func (s *simulationSteps) logMessage(ctx context.Context, message string) error {
	fmt.Println(message)
	return nil
}
