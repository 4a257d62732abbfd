package server

const otaForm = `<html><body><form action="/otaUpdate" method="post" enctype="application/x-www-form-urlencoded">` +
	`Application rom URL: <input type="text" name="rom_url"><br>` +
	`Application rom SHA-256 (optional): <input type="text" name="rom_sha256"><br>` +
	`SPIFFS rom URL: <input type="text" name="spiffs_url"><br>` +
	`SPIFFS rom SHA-256 (optional): <input type="text" name="spiffs_sha256"><br>` +
	`<input class="button" type="submit" value="OTA Update">` +
	`</form></body></html>`
