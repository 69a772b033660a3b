package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMessages are the Thai replies the service has always sent.
func DefaultMessages() Messages {
	return Messages{
		FormatHint:    "❗️กรุณาระบุข้อมูลในรูปแบบ: บ้านเลขที่/เลขที่ เช่น 39/50 พค 68",
		AskForImage:   "📷 กรุณาส่งรูปภาพของคุณ",
		Saved:         "✅ บันทึกรูปภาพและข้อมูลเรียบร้อยแล้ว ({unit} {period})",
		SendTextFirst: "❗️กรุณาส่งบ้านเลขที่และเดือนก่อน เช่น 39/50 พค 68 แล้วจึงส่งรูปภาพ",
		FetchFailed:   "⚠️ ดาวน์โหลดรูปภาพไม่สำเร็จ กรุณาส่งรูปภาพอีกครั้ง",
		SaveFailed:    "⚠️ บันทึกข้อมูลไม่สำเร็จ กรุณาส่งรูปภาพอีกครั้ง",
	}
}

// LoadMessages overlays the YAML file at path on the defaults. Keys missing
// from the file keep their default text.
func LoadMessages(path string) (Messages, error) {
	msgs := DefaultMessages()
	if path == "" {
		return msgs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Messages{}, fmt.Errorf("read messages file: %w", err)
	}

	if err := yaml.Unmarshal(data, &msgs); err != nil {
		return Messages{}, fmt.Errorf("parse messages file %s: %w", path, err)
	}

	return msgs, nil
}

// SavedFor fills the {unit} and {period} placeholders of the Saved text.
func (m Messages) SavedFor(unit, period string) string {
	return strings.NewReplacer("{unit}", unit, "{period}", period).Replace(m.Saved)
}
