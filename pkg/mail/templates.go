package mail

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

const (
	SubjectImportSucceeded = "Importação de Colaboradores"
	SubjectImportFailed    = "Falha na Importação de Colaboradores"
)

// ImportData fills the import outcome templates.
type ImportData struct {
	Name     string
	FileName string
	Imported int
	Error    string
}

// ImportSucceeded builds the success message for to.
func ImportSucceeded(to string, data ImportData) (Message, error) {
	return render(to, SubjectImportSucceeded, "import_succeeded.html", data,
		fmt.Sprintf("A importação do arquivo %s foi concluída com sucesso.", data.FileName))
}

// ImportFailed builds the failure message for to.
func ImportFailed(to string, data ImportData) (Message, error) {
	return render(to, SubjectImportFailed, "import_failed.html", data,
		fmt.Sprintf("A importação do arquivo %s falhou: %s", data.FileName, data.Error))
}

func render(to, subject, name string, data ImportData, text string) (Message, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", name, err)
	}
	return Message{To: to, Subject: subject, HTML: buf.String(), Text: text}, nil
}
