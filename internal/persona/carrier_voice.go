package persona

// CarrierVoice is the carrier's built-in say voice used when no synthesized
// audio is available: the guaranteed last-resort backend.
type CarrierVoice struct {
	Voice               string
	Language            string
	RecognitionLanguage string
}

var carrierVoices = map[string]CarrierVoice{
	"en-male":   {Voice: "Polly.Matthew-Neural", Language: "en-US", RecognitionLanguage: "en-US"},
	"en-female": {Voice: "Polly.Joanna-Neural", Language: "en-US", RecognitionLanguage: "en-US"},
	"zh-male":   {Voice: "Polly.Zhiyu-Neural", Language: "cmn-CN", RecognitionLanguage: "zh-CN"},
	"zh-female": {Voice: "Polly.Zhiyu-Neural", Language: "cmn-CN", RecognitionLanguage: "zh-CN"},
	"fr-male":   {Voice: "Polly.Mathieu-Neural", Language: "fr-FR", RecognitionLanguage: "fr-FR"},
	"fr-female": {Voice: "Polly.Lea-Neural", Language: "fr-FR", RecognitionLanguage: "fr-FR"},
}

var defaultCarrierVoice = CarrierVoice{
	Voice:               "Polly.Matthew-Neural",
	Language:            "en-US",
	RecognitionLanguage: "en-US",
}

// CarrierVoiceFor maps a persona's language and gender to a carrier voice.
func CarrierVoiceFor(language, gender string) CarrierVoice {
	if language == "" {
		language = "en"
	}
	if gender == "" {
		gender = "male"
	}
	if v, ok := carrierVoices[language+"-"+gender]; ok {
		return v
	}
	return defaultCarrierVoice
}
